package governance

import (
	"fmt"
	"sort"
	"sync"
)

// Input is what a validator sees: the candidate and the tier it is evaluated at.
type Input struct {
	Candidate Candidate
	Tier      Tier
}

// Result is a validator outcome.
type Result struct {
	OK      bool
	Reason  string
	Details map[string]any
}

// Check is a compiled rule check. It must be pure.
type Check func(Input) Result

// Factory compiles a validator from rule params at load time.
type Factory func(params Params) (Check, error)

// Registry maps stable validator ids to factories. A rule naming an id that is not
// registered fails the load.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in validator.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for id, f := range builtinValidators() {
		r.factories[id] = f
	}
	return r
}

// Register adds a validator. Ids are unique.
func (r *Registry) Register(id string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("governance: validator %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

// IDs lists registered validator ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) compile(id string, params Params) (Check, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, id)
	}
	if params == nil {
		params = Params{}
	}
	return f(params)
}

// Params are a rule's validator parameters.
type Params map[string]any

// Float returns a numeric param or def when absent.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("param %s must be a number, got %T", key, v)
}

// Strings returns a string-list param or def when absent.
func (p Params) Strings(key string, def []string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param %s must contain strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("param %s must be a list of strings, got %T", key, v)
}

// String returns a string param or def when absent.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %s must be a string, got %T", key, v)
	}
	return s, nil
}
