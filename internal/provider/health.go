package provider

import (
	"time"

	"github.com/me/taskbroker/pkg/model"
)

// refresh applies time-based transitions. Health is evaluated lazily on
// read, so no background loop is needed. Caller holds mu.
func (r *Registry) refresh(e *entry, now time.Time) {
	p := &e.state
	if p.Health == model.HealthUnavailable && p.UnavailableUntil != nil && !now.Before(*p.UnavailableUntil) {
		// Probation: the cooldown for time-based recovery restarts here.
		until := *p.UnavailableUntil
		p.Health = model.HealthDegraded
		p.UnavailableUntil = nil
		p.LastFailureAt = &until
		p.ConsecutiveSuccesses = 0
		r.logger.Info("provider on probation", "provider", p.Name)
	}
	if p.Health == model.HealthDegraded && p.LastFailureAt != nil && now.Sub(*p.LastFailureAt) >= r.policy.Cooldown {
		p.Health = model.HealthHealthy
		p.ConsecutiveFailures = 0
		r.logger.Info("provider recovered", "provider", p.Name, "reason", "cooldown")
	}
	if p.ThrottledUntil != nil && !now.Before(*p.ThrottledUntil) {
		p.ThrottledUntil = nil
	}
}

func (r *Registry) lookup(name string) *entry {
	e, ok := r.entries[name]
	if !ok {
		r.logger.Debug("health update for unknown provider", "provider", name)
		return nil
	}
	r.refresh(e, r.now())
	return e
}

// MarkSuccess records a successful invocation.
func (r *Registry) MarkSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name)
	if e == nil {
		return
	}
	p := &e.state
	p.ConsecutiveFailures = 0
	p.ConsecutiveSuccesses++
	if p.Health == model.HealthDegraded && p.ConsecutiveSuccesses >= r.policy.RecoverAfter {
		p.Health = model.HealthHealthy
		r.logger.Info("provider recovered", "provider", name, "reason", "successes")
	}
}

// MarkFailure records a transport failure (network error or timeout).
func (r *Registry) MarkFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name)
	if e == nil {
		return
	}
	now := r.now()
	p := &e.state
	p.ConsecutiveSuccesses = 0
	p.ConsecutiveFailures++
	p.LastFailureAt = &now
	if p.Health == model.HealthHealthy && p.ConsecutiveFailures >= r.policy.DegradeAfter {
		p.Health = model.HealthDegraded
		r.logger.Warn("provider degraded", "provider", name, "consecutive_failures", p.ConsecutiveFailures)
	}
}

// MarkRejected takes the provider out of every chain until the cooldown ends.
func (r *Registry) MarkRejected(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name)
	if e == nil {
		return
	}
	now := r.now()
	until := now.Add(r.policy.Cooldown)
	p := &e.state
	p.Health = model.HealthUnavailable
	p.UnavailableUntil = &until
	p.LastFailureAt = &now
	p.ConsecutiveSuccesses = 0
	r.logger.Warn("provider unavailable", "provider", name, "until", until)
}

// MarkThrottled records a rate-limit response. It does not count as a
// failure; the provider just sorts behind unthrottled peers until the
// window passes. A zero retryAfter throttles for one cooldown.
func (r *Registry) MarkThrottled(name string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(name)
	if e == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = r.policy.Cooldown
	}
	until := r.now().Add(retryAfter)
	e.state.ThrottledUntil = &until
	r.logger.Debug("provider throttled", "provider", name, "until", until)
}
