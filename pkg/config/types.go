package config

import (
	"time"

	"github.com/openfroyo/dtoverlay/pkg/firmware"
	"github.com/openfroyo/dtoverlay/pkg/telemetry"
)

// Config is the daemon configuration file.
type Config struct {
	// Telemetry holds the service, logging, tracing, metrics and events sections.
	Telemetry telemetry.Config `yaml:",inline"`

	// Firmware configures where overlay blobs are loaded from.
	Firmware FirmwareConfig `yaml:"firmware"`

	// Tree configures the live configuration tree.
	Tree TreeConfig `yaml:"tree"`

	// Registry bounds the instance registry.
	Registry RegistryConfig `yaml:"registry"`

	// Namespace configures the administrative directory namespace.
	Namespace NamespaceConfig `yaml:"namespace"`

	// Journal configures the durable event journal.
	Journal JournalConfig `yaml:"journal"`

	// Policy configures source admission.
	Policy PolicyConfig `yaml:"policy"`
}

// FirmwareConfig configures the blob loaders.
type FirmwareConfig struct {
	// SearchPaths are the directories searched, in order, for relative names.
	SearchPaths []string `yaml:"search_paths" validate:"required,min=1,dive,required"`

	// MaxSize bounds the decompressed blob size in bytes. 0 selects the default.
	MaxSize int64 `yaml:"max_size" validate:"gte=0"`

	// Remote enables sftp:// sources when set.
	Remote *RemoteConfig `yaml:"remote"`
}

// RemoteConfig is the sftp source section.
type RemoteConfig struct {
	Host                  string        `yaml:"host" validate:"required"`
	Port                  int           `yaml:"port" validate:"gte=0,lte=65535"`
	User                  string        `yaml:"user" validate:"required"`
	Auth                  string        `yaml:"auth" validate:"omitempty,oneof=password key"`
	Password              string        `yaml:"password" validate:"required_if=Auth password"`
	PrivateKey            string        `yaml:"private_key" validate:"required_if=Auth key"`
	Passphrase            string        `yaml:"passphrase"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout" validate:"gte=0"`
	BaseDir               string        `yaml:"base_dir"`
}

// TreeConfig configures the live tree.
type TreeConfig struct {
	// Base is the flattened base tree loaded at startup. Empty starts from an empty tree.
	Base string `yaml:"base"`

	// Export is where the merged tree is written on shutdown, if set.
	Export string `yaml:"export"`
}

// RegistryConfig bounds the instance registry.
type RegistryConfig struct {
	// MaxInstances caps live instances, 0 means unlimited.
	MaxInstances int `yaml:"max_instances" validate:"gte=0"`
}

// NamespaceConfig configures the directory namespace.
type NamespaceConfig struct {
	// Enabled starts the namespace watcher in serve.
	Enabled bool `yaml:"enabled"`

	// Root is the directory holding one subdirectory per instance.
	Root string `yaml:"root" validate:"required_if=Enabled true"`

	// Debounce is how long writes to a path file settle before they are applied.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// JournalConfig configures the durable journal.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// PolicyConfig configures source admission.
type PolicyConfig struct {
	// Enabled wraps the firmware loader with policy admission.
	Enabled bool `yaml:"enabled"`

	// Dir holds extra .rego and .json policies.
	Dir string `yaml:"dir"`

	// Watch reloads Dir when its files change.
	Watch bool `yaml:"watch"`

	// Extensions lists the accepted source extensions.
	Extensions []string `yaml:"extensions" validate:"dive,required"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), 0 when unknown.
	Line int `json:"line,omitempty"`

	// Path is the dotted yaml path to the offending field (e.g., "firmware.remote.host").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Firmware: FirmwareConfig{
			SearchPaths: []string{"/lib/firmware"},
			MaxSize:     firmware.DefaultMaxSize,
		},
		Namespace: NamespaceConfig{
			Root:     "/run/dtoverlay/overlays",
			Debounce: 200 * time.Millisecond,
		},
		Journal: JournalConfig{
			Path: "/var/lib/dtoverlay/journal.db",
		},
		Policy: PolicyConfig{
			Enabled:    true,
			Extensions: []string{"dtbo", "dtb"},
		},
	}
}

// FirmwareRemote converts the sftp section for firmware.NewSFTPLoader, or
// returns nil when no remote is configured.
func (c *FirmwareConfig) FirmwareRemote() *firmware.RemoteConfig {
	if c.Remote == nil {
		return nil
	}
	r := c.Remote
	cfg := firmware.DefaultRemoteConfig(r.Host, r.User)
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if r.Auth != "" {
		cfg.AuthMethod = firmware.AuthMethod(r.Auth)
	}
	cfg.Password = r.Password
	cfg.PrivateKeyPath = r.PrivateKey
	cfg.PrivateKeyPassphrase = r.Passphrase
	if r.KnownHosts != "" {
		cfg.KnownHostsPath = r.KnownHosts
	}
	cfg.StrictHostKeyChecking = !r.InsecureIgnoreHostKey
	if r.Timeout != 0 {
		cfg.ConnectionTimeout = r.Timeout
	}
	if r.BaseDir != "" {
		cfg.BaseDir = r.BaseDir
	}
	cfg.MaxSize = c.MaxSize
	return cfg
}
