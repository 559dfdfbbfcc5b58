package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of policy file events.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(p) {
			return nil
		}
		policy, err := l.loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		policy, err = parseJSONFile(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRegoFile names the policy after the file. Rego files default to
// error severity: a deny rule in a local policy is meant to block.
func parseRegoFile(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Metadata: map[string]interface{}{
			"source": path,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = policy.CreatedAt
	}
	return &policy, nil
}

// extractDescription joins the leading comment block.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
		} else if trimmed != "" {
			break
		}
	}

	return description.String()
}

// Watch reloads policies from paths whenever a policy file is written or
// created, until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reloadFn(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
