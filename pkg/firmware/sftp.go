package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Scheme prefixes names served by an SFTPLoader.
const Scheme = "sftp"

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// RemoteConfig holds the SSH connection used to fetch remote blobs.
type RemoteConfig struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// BaseDir is the remote directory names are resolved against
	BaseDir string

	// MaxSize bounds the decompressed blob size. 0 selects DefaultMaxSize.
	MaxSize int64
}

// DefaultRemoteConfig returns a RemoteConfig with sensible defaults.
func DefaultRemoteConfig(host, user string) *RemoteConfig {
	return &RemoteConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		BaseDir:               "/lib/firmware",
	}
}

// Validate checks if the configuration is valid.
func (c *RemoteConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max size must not be negative")
	}
	return nil
}

// Address returns the formatted SSH address (host:port).
func (c *RemoteConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the RemoteConfig.
func (c *RemoteConfig) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Connector opens an SFTP session. The returned closer ends the session.
type Connector func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPLoader fetches blobs named "sftp://[host]/relative/name" from BaseDir
// on a remote host. The plain name, name.zst and name.gz are tried in order.
// One SFTP session is opened lazily and reused.
type SFTPLoader struct {
	tracker

	cfg     *RemoteConfig
	connect Connector
	logger  zerolog.Logger

	mu     sync.Mutex
	client *sftp.Client
	closer io.Closer
}

var _ overlay.Firmware = (*SFTPLoader)(nil)

// NewSFTPLoader creates a remote loader that dials cfg over SSH.
func NewSFTPLoader(cfg *RemoteConfig, logger zerolog.Logger) (*SFTPLoader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote firmware config: %w", err)
	}
	return newSFTPLoader(cfg, dialSSH(cfg), logger), nil
}

// NewSFTPLoaderWithConnector creates a remote loader over a caller supplied
// session, e.g. an in-process sftp.Server.
func NewSFTPLoaderWithConnector(cfg *RemoteConfig, connect Connector, logger zerolog.Logger) *SFTPLoader {
	return newSFTPLoader(cfg, connect, logger)
}

func newSFTPLoader(cfg *RemoteConfig, connect Connector, logger zerolog.Logger) *SFTPLoader {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &SFTPLoader{
		cfg:     cfg,
		connect: connect,
		logger: logger.With().
			Str("component", "firmware-sftp").
			Str("host", cfg.Host).
			Logger(),
	}
}

func dialSSH(cfg *RemoteConfig) Connector {
	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		clientConfig, err := cfg.BuildSSHClientConfig()
		if err != nil {
			return nil, nil, err
		}

		dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %s: %w", cfg.Address(), err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), clientConfig)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("ssh handshake with %s failed: %w", cfg.Address(), err)
		}
		sshClient := ssh.NewClient(c, chans, reqs)

		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
		}
		return sftpClient, sshClient, nil
	}
}

func (l *SFTPLoader) session(ctx context.Context) (*sftp.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client != nil {
		return l.client, nil
	}
	client, closer, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	l.client, l.closer = client, closer
	l.logger.Info().Msg("sftp session established")
	return client, nil
}

// drop closes a broken session so the next request reconnects.
func (l *SFTPLoader) drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *SFTPLoader) closeLocked() error {
	if l.client == nil {
		return nil
	}
	// The transport goes first: it unblocks the client's receive loop, which
	// client.Close waits for.
	var err error
	if l.closer != nil {
		err = l.closer.Close()
	}
	if cerr := l.client.Close(); cerr != nil && err == nil && !errors.Is(cerr, io.ErrClosedPipe) && !errors.Is(cerr, io.EOF) {
		err = cerr
	}
	l.client, l.closer = nil, nil
	return err
}

// remotePath maps an sftp:// name to a location under BaseDir.
func (l *SFTPLoader) remotePath(name string) (string, error) {
	u, err := url.Parse(name)
	if err != nil || u.Scheme != Scheme {
		return "", fmt.Errorf("%w: %s is not an %s:// name", ErrInvalidName, name, Scheme)
	}
	if u.Host != "" && u.Hostname() != l.cfg.Host {
		return "", fmt.Errorf("%w: host %s is not the configured host %s", ErrInvalidName, u.Hostname(), l.cfg.Host)
	}
	rel := strings.TrimPrefix(u.Path, "/")
	if err := validName(rel); err != nil {
		return "", err
	}
	return path.Join(l.cfg.BaseDir, rel), nil
}

// Request implements overlay.Firmware.
func (l *SFTPLoader) Request(ctx context.Context, name string) (overlay.Blob, error) {
	location, err := l.remotePath(name)
	if err != nil {
		return nil, &LoadError{Op: "lookup", Name: name, Err: err}
	}

	client, err := l.session(ctx)
	if err != nil {
		return nil, &LoadError{Op: "connect", Name: name, Err: err, IsTemporary: true}
	}

	startTime := time.Now()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, &LoadError{Op: "lookup", Name: name, Err: err, IsTemporary: true}
		}

		f, err := client.Open(location + c.suffix)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			l.drop()
			return nil, &LoadError{Op: "read", Name: name, Err: err, IsTemporary: true}
		}

		data, err := readImage(f, c.compression, l.cfg.MaxSize)
		f.Close()
		if err != nil {
			op := "read"
			if c.compression != "" {
				op = "decompress"
			}
			return nil, &LoadError{Op: op, Name: name, Err: err}
		}

		l.logger.Debug().
			Str("name", name).
			Str("remote", location+c.suffix).
			Int("bytes", len(data)).
			Dur("duration", time.Since(startTime)).
			Msg("remote firmware loaded")

		return l.handOut(&Image{
			Name:        name,
			Location:    location + c.suffix,
			Compression: c.compression,
			scheme:      Scheme,
			data:        data,
		}), nil
	}

	return nil, &LoadError{Op: "lookup", Name: name, Err: ErrNotFound}
}

// Release implements overlay.Firmware.
func (l *SFTPLoader) Release(blob overlay.Blob) {
	if l.release(blob) {
		l.logger.Debug().Str("name", blob.(*Image).Name).Msg("remote firmware released")
	}
}

// Close ends the SFTP session.
func (l *SFTPLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}
