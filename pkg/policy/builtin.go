package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sourceTraversalPolicy(),
		sourceExtensionPolicy(),
		instanceNamingPolicy(),
	}
}

// sourceTraversalPolicy keeps source identifiers inside the firmware search paths.
func sourceTraversalPolicy() Policy {
	return Policy{
		Name:        "source-traversal",
		Description: "Rejects absolute source paths and parent directory references",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "source"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dtoverlay.policies.traversal

import rego.v1

deny contains violation if {
	startswith(input.path, "/")
	violation := {
		"message": sprintf("source '%s' must be relative to the firmware search path", [input.path]),
		"severity": "error",
	}
}

deny contains violation if {
	some segment in split(input.path, "/")
	segment == ".."
	violation := {
		"message": sprintf("source '%s' must not reference a parent directory", [input.path]),
		"severity": "error",
	}
}
`,
	}
}

// sourceExtensionPolicy only admits device tree blobs, optionally compressed.
// Allowed extensions come from data.dtoverlay.config.extensions.
func sourceExtensionPolicy() Policy {
	return Policy{
		Name:        "source-extension",
		Description: "Requires a device tree blob extension with an optional .zst or .gz suffix",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"source"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dtoverlay.policies.extension

import rego.v1

base := trim_suffix(trim_suffix(input.path, ".zst"), ".gz")

allowed if {
	some ext in data.dtoverlay.config.extensions
	endswith(base, concat("", [".", ext]))
}

deny contains violation if {
	not allowed
	violation := {
		"message": sprintf("source '%s' must end in one of %v", [input.path, data.dtoverlay.config.extensions]),
		"severity": "error",
	}
}
`,
	}
}

// instanceNamingPolicy flags instance names that do not fit a directory namespace.
func instanceNamingPolicy() Policy {
	return Policy{
		Name:        "instance-naming",
		Description: "Warns about instance names outside [a-z0-9_.-]",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package dtoverlay.policies.naming

import rego.v1

deny contains violation if {
	input.instance != ""
	not regex.match("^[a-z0-9_.-]+$", input.instance)
	violation := {
		"message": sprintf("instance name '%s' should contain only lowercase letters, digits, '.', '_' and '-'", [input.instance]),
		"severity": "warning",
	}
}
`,
	}
}
