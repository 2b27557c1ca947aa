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

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Engine evaluates Rego admission policies. It implements
// engine.AdmissionPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	events   *telemetry.EventPublisher
	env      string
	loader   *Loader
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	allowedCsps []string
	disabled    []string
	events      *telemetry.EventPublisher
	env         string
}

// WithAllowedCsps sets data.broker.config.allowed_csps.
func WithAllowedCsps(csps ...string) Option {
	return func(o *engineOptions) { o.allowedCsps = append(o.allowedCsps, csps...) }
}

// WithDisabledBuiltins disables built-in policies by name.
func WithDisabledBuiltins(names ...string) Option {
	return func(o *engineOptions) { o.disabled = append(o.disabled, names...) }
}

// WithEvents publishes denials to ep.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(o *engineOptions) { o.events = ep }
}

// WithEnvironment sets input.context.environment.
func WithEnvironment(env string) Option {
	return func(o *engineOptions) { o.env = env }
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	allowed := make([]interface{}, 0, len(o.allowedCsps))
	for _, csp := range o.allowedCsps {
		allowed = append(allowed, csp)
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"broker": map[string]interface{}{
			"config": map[string]interface{}{
				"allowed_csps": allowed,
			},
		},
	})

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    store,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		events:   o.events,
		env:      o.env,
	}
	e.loader = NewLoader(e.logger)

	ctx := context.Background()
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	for _, name := range o.disabled {
		if err := e.DisablePolicy(name); err != nil {
			return nil, err
		}
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit implements engine.AdmissionPolicy.
func (e *Engine) Admit(ctx context.Context, input *engine.AdmissionInput) error {
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("operation", string(input.Operation)).
			Str("deployment_id", input.DeploymentID).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	reason := strings.Join(result.Messages(), "; ")
	_ = e.events.PublishPolicyViolation(input.DeploymentID, string(input.Operation), reason)

	names := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		names = append(names, v.Policy)
	}
	return engine.NewValidationError(engine.ErrCodePolicyDenied, "admission denied: "+reason).
		WithOperation(string(input.Operation)).
		WithDetail("policies", names)
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *engine.AdmissionInput) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("admission input is required")
	}
	start := time.Now()
	doc := &Input{
		AdmissionInput: input,
		Context:        &Context{Timestamp: start.UTC(), Environment: e.env},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("operation", string(input.Operation)).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Admission policies evaluated")
	return result, nil
}

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
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation converts one deny entry. Entries are either a message string
// or an object with message, severity and arbitrary details.
func newViolation(p *Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		for key, val := range d {
			switch key {
			case "message":
				v.Message, _ = val.(string)
			case "severity":
				if s, ok := val.(string); ok {
					v.Severity = Severity(s)
				}
			default:
				if v.Details == nil {
					v.Details = map[string]interface{}{}
				}
				v.Details[key] = val
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	if v.Message == "" {
		v.Message = fmt.Sprintf("denied by policy %s", p.Name)
	}
	return v
}

// packageOf returns the package path of a Rego module.
func packageOf(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// compileAndStore parses a policy and prepares its deny query. The caller
// holds mu or owns the engine exclusively.
func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return err
	}
	e.policies[p.Name] = cp
	return nil
}

func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := packageOf(module)

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	e.logger.Debug().Str("policy", p.Name).Str("package", pkg).Msg("Policy compiled")
	return &compiledPolicy{policy: p, pkg: pkg, query: query, compiled: time.Now()}, nil
}

// LoadPolicies loads custom policies from files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetCustomPolicies(ctx, policies)
}

// SetCustomPolicies replaces every non built-in policy. Nothing changes when
// one of the policies fails to compile.
func (e *Engine) SetCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if e.isBuiltin(p.Name) {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies loaded")
	return nil
}

// Watch loads the policies under paths and reloads them whenever a file
// changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetCustomPolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) isBuiltin(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	return ok && cp.policy.Builtin
}

// sortedNames returns policy names in evaluation order. The caller holds mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
