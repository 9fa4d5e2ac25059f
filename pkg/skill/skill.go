package skill

import "context"

// Skill defines the lifecycle hooks that each assistant skill must satisfy.
type Skill interface {
	// Info returns the static metadata for the skill.
	Info() Info
	// Configure allows the skill to inspect its configuration block prior to initialisation.
	// Implementations may mutate the configuration map to inject defaults.
	Configure(cfg map[string]any) error
	// Init prepares the skill for use.
	Init(ctx *ExecutionContext) error
	// Execute performs one invocation of the skill.
	Execute(ctx *ExecutionContext, req Request) (*Response, error)
	// Stop gracefully halts the skill and releases any resources.
	Stop(ctx *ExecutionContext) error
}

// Factory constructs a skill implementation. Skills are compiled into the
// binary and built on demand instead of being loaded from shared objects.
type Factory func() Skill

// Request carries one invocation of a skill through the manager.
type Request struct {
	// Operation selects the action when a skill supports more than one.
	Operation string `json:"operation,omitempty"`
	// Payload holds operation specific parameters.
	Payload map[string]any `json:"payload,omitempty"`
}

// Response is the result of a skill invocation.
type Response struct {
	// Summary is a short human readable description of the result.
	Summary string `json:"summary,omitempty"`
	// Data carries the structured result; its concrete type is owned by the skill.
	Data any `json:"data,omitempty"`
}

// ExecutionContext is passed to skills for every lifecycle stage and invocation.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Config is the skill specific configuration block merged with manager overrides.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
}

// Clone returns a shallow copy of the execution context so skills can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option modifies the behaviour of a skill manager instance.
type Option func(*Manager)

// WithIsolationStrategy sets a custom capability policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource registers a shared resource that will be exposed to all skills.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
