package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// DefaultExtensions are the source extensions the built-in policy admits.
var DefaultExtensions = []string{"dtbo", "dtb"}

// Options configures an Engine.
type Options struct {
	// Extensions exposed to policies as data.dtoverlay.config.extensions.
	// Empty selects DefaultExtensions.
	Extensions []string
}

// Engine compiles Rego policies and evaluates source requests against them.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make([]interface{}, len(extensions))
	for i, ext := range extensions {
		exts[i] = strings.TrimPrefix(ext, ".")
	}

	store := inmem.NewFromObject(map[string]interface{}{
		"dtoverlay": map[string]interface{}{
			"config": map[string]interface{}{
				"extensions": exts,
			},
		},
	})

	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           store,
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy against input. A violation of error
// or critical severity makes the result disallowed.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Context == nil {
		input.Context = &Context{Timestamp: startTime, Operation: "load"}
	}

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &Result{Allowed: true, EvaluatedAt: startTime}
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("instance", input.Instance).
		Str("path", input.Path).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Source policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny result.
func (e *Engine) createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Instance: input.Instance,
		Path:     input.Path,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and prepares its deny query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads .rego and .json policy files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and installs policies, replacing any with the same name.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		p := policies[i]
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
