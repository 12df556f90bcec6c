package messenger

import (
	"fmt"
	"sort"

	"github.com/leadmap/symphony/internal/domain"
)

// Registry is the static transport router: it maps a transport name to its
// configuration. Loaded once at startup; changing transports requires a
// restart.
type Registry struct {
	transports map[string]domain.Transport
}

// NewRegistry builds a registry from the given transports.
// Returns an error on duplicate or unnamed transports and on non-positive
// concurrency or attempt limits.
func NewRegistry(transports []domain.Transport) (*Registry, error) {
	m := make(map[string]domain.Transport, len(transports))
	for _, tr := range transports {
		if tr.Name == "" {
			return nil, fmt.Errorf("transport with empty name")
		}
		if _, ok := m[tr.Name]; ok {
			return nil, fmt.Errorf("duplicate transport %q", tr.Name)
		}
		if tr.Concurrency <= 0 {
			return nil, fmt.Errorf("transport %q: concurrency must be positive", tr.Name)
		}
		if tr.MaxAttempts <= 0 {
			return nil, fmt.Errorf("transport %q: max attempts must be positive", tr.Name)
		}
		if tr.VisibilityTimeout <= 0 {
			return nil, fmt.Errorf("transport %q: visibility timeout must be positive", tr.Name)
		}
		m[tr.Name] = tr
	}
	return &Registry{transports: m}, nil
}

// Get returns the configuration for a transport name.
func (r *Registry) Get(name string) (domain.Transport, error) {
	tr, ok := r.transports[name]
	if !ok {
		return domain.Transport{}, fmt.Errorf("%w: %q", ErrInvalidTransport, name)
	}
	return tr, nil
}

// List returns all registered transports in name order.
func (r *Registry) List() []domain.Transport {
	out := make([]domain.Transport, 0, len(r.transports))
	for _, tr := range r.transports {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
