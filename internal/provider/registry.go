// Package provider keeps the catalog of computation providers, tracks their
// live health and ranks them into fallback chains for the broker.
package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

// HealthPolicy tunes health transitions.
type HealthPolicy struct {
	DegradeAfter int           // consecutive transport failures before DEGRADED
	RecoverAfter int           // consecutive successes before DEGRADED -> HEALTHY
	Cooldown     time.Duration // UNAVAILABLE duration and DEGRADED time-based recovery
}

// DefaultHealthPolicy matches the daemon defaults.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{DegradeAfter: 3, RecoverAfter: 2, Cooldown: time.Minute}
}

// Candidate is one link of a fallback chain.
type Candidate struct {
	Provider model.Provider
	Spec     model.ProviderSpec
	Invoker  Invoker
}

type entry struct {
	spec    model.ProviderSpec
	state   model.Provider
	invoker Invoker
	order   int
}

// InvokerFactory builds the invoker for a provider spec.
type InvokerFactory func(spec model.ProviderSpec) (Invoker, error)

// Registry maps provider names to their spec, invoker and health.
// Unlike static registries it is mutated at runtime by discovery and by
// every invocation outcome, so all access goes through mu.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	nextOrder int
	localOnly map[model.TaskType]bool
	policy    HealthPolicy
	factory   InvokerFactory
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithInvokerFactory overrides how invokers are built from specs.
func WithInvokerFactory(f InvokerFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// NewRegistry creates an empty Registry. Task types in localOnly may only be
// routed to local providers.
func NewRegistry(policy HealthPolicy, localOnly []model.TaskType, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		localOnly: make(map[model.TaskType]bool),
		policy:    policy,
		factory:   NewInvoker,
		now:       time.Now,
		logger:    logger.With("component", "provider-registry"),
	}
	for _, tt := range localOnly {
		r.localOnly[tt] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider built from spec by the registry's invoker factory.
func (r *Registry) Register(spec model.ProviderSpec) error {
	inv, err := r.factory(spec)
	if err != nil {
		return fmt.Errorf("provider %s: %w", spec.Name, err)
	}
	return r.RegisterInvoker(spec, inv)
}

// RegisterInvoker adds a provider with an explicit invoker.
func (r *Registry) RegisterInvoker(spec model.ProviderSpec, inv Invoker) error {
	if errs := spec.Validate(); len(errs) > 0 {
		return fmt.Errorf("provider %s: invalid spec: %s: %s", spec.Name, errs[0].Field, errs[0].Message)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("provider %s already registered", spec.Name)
	}
	r.add(spec, inv)
	r.logger.Info("provider registered", "provider", spec.Name, "kind", spec.Kind, "locality", spec.Locality, "cost_tier", spec.CostTier)
	return nil
}

// add inserts a new entry. Caller holds mu.
func (r *Registry) add(spec model.ProviderSpec, inv Invoker) {
	e := &entry{spec: spec, invoker: inv, order: r.nextOrder}
	r.nextOrder++
	e.state = model.Provider{Health: model.HealthHealthy}
	e.syncSpec()
	r.entries[spec.Name] = e
}

// syncSpec copies the static fields of the provider spec into the live state.
func (e *entry) syncSpec() {
	s := e.spec
	e.state.Name = s.Name
	e.state.Kind = s.Kind
	e.state.TaskTypes = append([]model.TaskType(nil), s.TaskTypes...)
	e.state.Locality = s.Locality
	e.state.CostTier = s.CostTier
	e.state.Priority = s.Priority
	e.state.Timeout = s.Timeout
	e.state.Source = s.Source
}

// Remove drops a provider from the catalog.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	r.logger.Info("provider removed", "provider", name)
	return true
}

// Sync makes the set of providers from source equal to specs. Survivors keep
// their health; changed specs get a fresh invoker. Providers from other
// sources are untouched.
func (r *Registry) Sync(source string, specs []model.ProviderSpec) (added, removed []string, err error) {
	want := make(map[string]model.ProviderSpec, len(specs))
	invokers := make(map[string]Invoker, len(specs))
	for _, s := range specs {
		s.Source = source
		if errs := s.Validate(); len(errs) > 0 {
			return nil, nil, fmt.Errorf("provider %s: invalid spec: %s: %s", s.Name, errs[0].Field, errs[0].Message)
		}
		inv, err := r.factory(s)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", s.Name, err)
		}
		want[s.Name] = s
		invokers[s.Name] = inv
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.spec.Source != source {
			continue
		}
		if _, keep := want[name]; !keep {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	// Walk specs rather than want so new providers register in file order.
	for _, spec := range specs {
		name := spec.Name
		s := want[name]
		if e, ok := r.entries[name]; ok {
			if e.spec.Source != source {
				r.logger.Warn("provider name taken by another source", "provider", name, "source", e.spec.Source)
				continue
			}
			e.spec = s
			e.invoker = invokers[name]
			e.syncSpec()
			continue
		}
		r.add(s, invokers[name])
		added = append(added, name)
	}
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("providers synced", "source", source, "added", added, "removed", removed)
	}
	return added, removed, nil
}

// Get returns a snapshot of one provider.
func (r *Registry) Get(name string) (model.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return model.Provider{}, false
	}
	r.refresh(e, r.now())
	return e.snapshot(), true
}

// List returns snapshots of all providers in registration order.
func (r *Registry) List() []model.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	es := r.sorted()
	out := make([]model.Provider, 0, len(es))
	for _, e := range es {
		r.refresh(e, now)
		out = append(out, e.snapshot())
	}
	return out
}

func (r *Registry) sorted() []*entry {
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].order < es[j].order })
	return es
}

func (e *entry) snapshot() model.Provider {
	p := e.state
	p.TaskTypes = append([]model.TaskType(nil), e.state.TaskTypes...)
	p.LastFailureAt = copyTime(e.state.LastFailureAt)
	p.UnavailableUntil = copyTime(e.state.UnavailableUntil)
	p.ThrottledUntil = copyTime(e.state.ThrottledUntil)
	return p
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SelectCandidates returns the ordered fallback chain for a task type.
// When constrained (budget under pressure) cheaper tiers move up.
func (r *Registry) SelectCandidates(taskType model.TaskType, constrained bool) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	type ranked struct {
		c         Candidate
		throttled bool
		order     int
	}
	var chain []ranked
	for _, e := range r.entries {
		r.refresh(e, now)
		p := &e.state
		if !p.Supports(taskType) {
			continue
		}
		if r.localOnly[taskType] && p.Locality != model.LocalityLocal {
			continue
		}
		if p.Health == model.HealthUnavailable {
			continue
		}
		chain = append(chain, ranked{
			c:         Candidate{Provider: e.snapshot(), Spec: e.spec, Invoker: e.invoker},
			throttled: p.ThrottledUntil != nil && now.Before(*p.ThrottledUntil),
			order:     e.order,
		})
	}

	sort.Slice(chain, func(i, j int) bool {
		a, b := chain[i], chain[j]
		if ha, hb := a.c.Provider.Health.Rank(), b.c.Provider.Health.Rank(); ha != hb {
			return ha < hb
		}
		if a.throttled != b.throttled {
			return !a.throttled
		}
		if constrained {
			if ca, cb := a.c.Provider.CostTier.Rank(), b.c.Provider.CostTier.Rank(); ca != cb {
				return ca < cb
			}
		}
		if a.c.Provider.Priority != b.c.Provider.Priority {
			return a.c.Provider.Priority < b.c.Provider.Priority
		}
		return a.order < b.order
	})

	out := make([]Candidate, len(chain))
	for i, rc := range chain {
		out[i] = rc.c
	}
	return out
}
