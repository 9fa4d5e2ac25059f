package skill

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager keeps track of registered skills and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	blocks    map[string]SkillConfig
}

type instance struct {
	mu     sync.Mutex
	Skill  Skill
	Info   Info
	State  State
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		blocks:    cfg.Skills,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	return m, nil
}

// Register registers a skill instance directly with the manager.
func (m *Manager) Register(id string, s Skill, cfg map[string]any, policy IsolationPolicy) error {
	return m.register(id, s, cfg, MergePolicies(m.defaults, &policy), "manual")
}

// RegisterFactory builds and registers the skill when the manager
// configuration enables it. It reports whether the skill was registered.
func (m *Manager) RegisterFactory(id string, factory Factory) (bool, error) {
	if factory == nil {
		return false, errors.New("skill factory cannot be nil")
	}
	block, ok := m.blocks[id]
	if !ok || !block.Enabled {
		return false, nil
	}
	policy := MergePolicies(m.defaults, block.Policy)
	if err := m.register(id, factory(), cloneConfig(block.Config), policy, "config"); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) register(id string, s Skill, cfg map[string]any, policy IsolationPolicy, source string) error {
	if id == "" {
		return errors.New("skill id cannot be empty")
	}
	if s == nil {
		return errors.New("skill implementation cannot be nil")
	}
	info := s.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("skill id mismatch: %s != %s", info.ID, id)
	}
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := s.Configure(cfg); err != nil {
		return fmt.Errorf("configure skill %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("skill %s already registered", id)
	}
	m.registry[id] = &instance{Skill: s, Info: mergeInfo(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: source}
	return nil
}

// Start initialises a skill by id and marks it ready for execution.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if inst.State == StateRegistered {
		if err := inst.Skill.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("initialise skill %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a skill if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if err := inst.Skill.Stop(execCtx.Clone()); err != nil {
		return fmt.Errorf("stop skill %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// Execute dispatches one invocation to a started skill.
func (m *Manager) Execute(ctx context.Context, id string, req Request) (*Response, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	if inst.State != StateStarted {
		state := inst.State
		inst.mu.Unlock()
		return nil, fmt.Errorf("skill %s is not started (state %s)", id, state)
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	inst.mu.Unlock()

	resp, err := inst.Skill.Execute(execCtx.Clone(), req)
	if err != nil {
		return nil, fmt.Errorf("execute skill %s: %w", id, err)
	}
	if resp == nil {
		resp = &Response{}
	}
	return resp, nil
}

// StartAll starts all registered skills.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all active skills.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// State returns the lifecycle state of a skill.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// Skills returns the metadata of every registered skill.
func (m *Manager) Skills() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.registry))
	for _, inst := range m.registry {
		infos = append(infos, inst.Info)
	}
	return infos
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("skill %s not registered", id)
	}
	return inst, nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
