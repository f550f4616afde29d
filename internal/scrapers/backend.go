// Package scrapers defines the backend capability every upstream retailer
// client implements, the registry that names them, and the bundled clients:
// colly-driven retailer scrapers and YAML fixture catalogs.
package scrapers

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"price-aggregator/internal/models"
)

// Backend is one upstream product source.
type Backend interface {
	Name() string
	Search(ctx context.Context, query string) ([]models.Product, error)
	Details(ctx context.Context, id string) (models.Product, error)
	RelatedProducts(ctx context.Context, id string) ([]models.Product, error)
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateName checks that name is a lower-case slug.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return errors.Errorf("invalid backend name %q: want lower-case letters, digits and dashes", name)
	}
	return nil
}

// Registry maps backend names to backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b, rejecting invalid and duplicate names.
func (r *Registry) Register(b Backend) error {
	name := b.Name()
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return errors.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return b, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the named backends sorted by name, or every backend when
// names is empty. Duplicates are ignored; any unknown name fails the call.
func (r *Registry) Resolve(names []string) ([]Backend, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	seen := make(map[string]struct{}, len(names))
	var unknown []string
	out := make([]Backend, 0, len(names))

	r.mu.RLock()
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		b, ok := r.backends[name]
		if !ok {
			unknown = append(unknown, raw)
			continue
		}
		out = append(out, b)
	}
	r.mu.RUnlock()

	if len(unknown) > 0 {
		return nil, errors.Wrapf(ErrUnknownBackend, "%s", strings.Join(unknown, ", "))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}
