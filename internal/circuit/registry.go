package circuit

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out named breakers, creating them lazily. Each
// dependency (database, price source) gets an independently
// configured instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
	logger   zerolog.Logger
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// Configure registers the config used when the named breaker is first requested.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, ok := r.breakers[name]; ok {
		return breaker
	}

	cfg, ok := r.configs[name]
	if !ok {
		cfg = DefaultConfig()
	}
	breaker := NewBreaker(name, cfg, r.logger)
	r.breakers[name] = breaker
	return breaker
}

// Snapshot reports stats for every instantiated breaker.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, breaker := range r.breakers {
		stats = append(stats, breaker.Snapshot())
	}
	return stats
}
