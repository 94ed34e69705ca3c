package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the active plugin for each single-slot role and the
// ordered chains for multi-slot roles. Registration happens during startup;
// Freeze makes the registry immutable, after which reads need no
// coordination.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	logger *slog.Logger

	single    map[Role]Plugin
	functions []Plugin
	tools     []Plugin
	order     []Plugin
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		single: make(map[Role]Plugin),
	}
}

// Register adds a plugin under its role. For single-slot roles a
// higher-priority plugin displaces the current one; a lower-priority
// registration is kept out and logged. Registration after Freeze is an
// error.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("nil plugin")
	}
	if p.Name() == "" {
		return errors.New("plugin name is required")
	}
	if p.Priority() < 0 {
		return fmt.Errorf("plugin %s: negative priority %d", p.Name(), p.Priority())
	}
	role := p.Role()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s", p.Name())
	}

	switch role {
	case RoleFunction:
		r.functions = append(r.functions, p)
	case RoleTool:
		r.tools = append(r.tools, p)
	case RoleAuth, RoleStore, RoleHistory, RoleContext, RoleModel, RoleSystemPrompt, RoleMessageProcessor:
		if current, ok := r.single[role]; ok {
			if current.Priority() >= p.Priority() {
				r.logger.Warn("plugin shadowed by higher priority",
					"role", role, "kept", current.Name(), "shadowed", p.Name())
				r.order = append(r.order, p)
				return nil
			}
			r.logger.Info("plugin override",
				"role", role, "replaced", current.Name(), "by", p.Name())
		}
		r.single[role] = p
	default:
		return fmt.Errorf("plugin %s: unknown role %q", p.Name(), role)
	}
	r.order = append(r.order, p)
	return nil
}

// Freeze makes the registry immutable. Call once after startup wiring.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Shutdown stops every registered plugin that implements Shutdowner, in
// reverse registration order, and joins their errors.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	order := make([]Plugin, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		s, ok := order[i].(Shutdowner)
		if !ok {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			r.logger.Error("plugin shutdown failed", "plugin", order[i].Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", order[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) resolve(role Role) (Plugin, error) {
	r.mu.RLock()
	p, ok := r.single[role]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no plugin registered for role %q", role)
	}
	return p, nil
}

// Store returns the active store plugin.
func (r *Registry) Store() (StorePlugin, error) {
	p, err := r.resolve(RoleStore)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(StorePlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the store role", p.Name())
	}
	return sp, nil
}

// History returns the active history plugin.
func (r *Registry) History() (HistoryPlugin, error) {
	p, err := r.resolve(RoleHistory)
	if err != nil {
		return nil, err
	}
	hp, ok := p.(HistoryPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the history role", p.Name())
	}
	return hp, nil
}

// Context returns the active context-cache plugin.
func (r *Registry) Context() (ContextPlugin, error) {
	p, err := r.resolve(RoleContext)
	if err != nil {
		return nil, err
	}
	cp, ok := p.(ContextPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the context role", p.Name())
	}
	return cp, nil
}

// Model returns the active model plugin.
func (r *Registry) Model() (ModelPlugin, error) {
	p, err := r.resolve(RoleModel)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(ModelPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the model role", p.Name())
	}
	return mp, nil
}

// Auth returns the active auth plugin.
func (r *Registry) Auth() (AuthPlugin, error) {
	p, err := r.resolve(RoleAuth)
	if err != nil {
		return nil, err
	}
	ap, ok := p.(AuthPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the auth role", p.Name())
	}
	return ap, nil
}

// SystemPrompt returns the active system-prompt plugin.
func (r *Registry) SystemPrompt() (SystemPromptPlugin, error) {
	p, err := r.resolve(RoleSystemPrompt)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(SystemPromptPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the system_prompt role", p.Name())
	}
	return sp, nil
}

// MessageProcessor returns the active message-processor plugin.
func (r *Registry) MessageProcessor() (MessageProcessorPlugin, error) {
	p, err := r.resolve(RoleMessageProcessor)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(MessageProcessorPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the message_processor role", p.Name())
	}
	return mp, nil
}

// FunctionsPreCall returns the function plugins ordered for the pre_call
// phase: highest priority first.
func (r *Registry) FunctionsPreCall() []Plugin {
	return r.sortedFunctions(func(a, b Plugin) bool { return a.Priority() > b.Priority() })
}

// FunctionsStreamOrder returns the function plugins ordered for the
// filter_stream and post_call phases: lowest priority first, so
// higher-priority transforms layer outwards.
func (r *Registry) FunctionsStreamOrder() []Plugin {
	return r.sortedFunctions(func(a, b Plugin) bool { return a.Priority() < b.Priority() })
}

func (r *Registry) sortedFunctions(less func(a, b Plugin) bool) []Plugin {
	r.mu.RLock()
	out := make([]Plugin, len(r.functions))
	copy(out, r.functions)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Tools returns the registered tool plugins in registration order.
func (r *Registry) Tools() []Plugin {
	r.mu.RLock()
	out := make([]Plugin, len(r.tools))
	copy(out, r.tools)
	r.mu.RUnlock()
	return out
}
