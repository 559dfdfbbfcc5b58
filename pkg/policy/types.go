package policy

import (
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block the request.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must block the request.
	SeverityCritical Severity = "critical"
)

// blocks reports whether a violation of this severity denies the request.
func (s Severity) blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Instance is the overlay instance that made the request.
	Instance string `json:"instance,omitempty"`

	// Path is the requested source identifier.
	Path string `json:"path"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the request may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the request.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Instance is the overlay instance name, empty outside an instance.
	Instance string `json:"instance"`

	// Path is the requested source identifier.
	Path string `json:"path"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation was requested.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being admitted (e.g., "load").
	Operation string `json:"operation"`
}

// DeniedError is returned when a blocking violation rejects a request.
type DeniedError struct {
	Path       string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return "source " + e.Path + " denied by policy: " + strings.Join(msgs, "; ")
}
