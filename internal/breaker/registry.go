package breaker

import "sync"

// Registry holds one Breaker per named upstream dependency, so a failing
// QA agent cannot trip the breaker guarding the deploy agent and vice
// versa.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Names returns every dependency name with a registered breaker.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		out = append(out, name)
	}
	return out
}

// States returns a snapshot of every known dependency's current state,
// used by the orchestrator's health view.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	bs := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(names))
	for i, name := range names {
		out[name] = bs[i].State()
	}
	return out
}
