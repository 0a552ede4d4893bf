// Package credential implements the shared upstream-credential pool:
// selection, per-kind daily-quota accounting, daily reset, and
// invalidation. It is the only component allowed to mutate credential
// rows.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/store"
)

// Store is the subset of internal/store.CredentialStore the pool needs.
// Tests provide an in-memory fake implementing this interface.
type Store interface {
	ListActive(ctx context.Context) ([]store.Credential, error)
	ListEligible(ctx context.Context, kind store.Kind) ([]store.Credential, error)
	ResetCredentialsBefore(ctx context.Context, boundary, now time.Time) (int64, error)
	IncrementUsage(ctx context.Context, id int64, kind store.Kind) (bool, error)
	MarkDailyExhausted(ctx context.Context, id int64, kind store.Kind) error
	Disable(ctx context.Context, id int64, reason string) error
	UpdateLimits(ctx context.Context, id int64, limits store.CredentialLimits) (bool, error)
	Get(ctx context.Context, id int64) (store.Credential, error)
}

// QPSLimiter advises whether a credential has room under its per-second
// quota for kind. Acquire only consults this when non-nil (§4.3 "QPS is
// advertised... not required").
type QPSLimiter interface {
	Allow(ctx context.Context, credentialID int64, kind store.Kind, qps int) (bool, error)
}

// Notifier is the subset of pkg/notify.Notifier the pool needs to alert an
// operator when a credential is disabled. Optional: a nil notifier is a
// no-op.
type Notifier interface {
	NotifyCredentialDisabled(credentialID int64, reason string)
}

// Pool is the credential pool manager.
type Pool struct {
	store     Store
	clock     clock.Clock
	resetHour int
	limiter   QPSLimiter
	logger    *slog.Logger
	notifier  Notifier

	warnedLimiter bool
}

// NewPool creates a Pool. limiter may be nil, in which case QPS is
// advertised only, matching the base behavior.
func NewPool(s Store, c clock.Clock, resetHour int, limiter QPSLimiter, logger *slog.Logger) *Pool {
	return &Pool{store: s, clock: c, resetHour: resetHour, limiter: limiter, logger: logger}
}

// SetNotifier attaches an operator-alert notifier. Called once at startup;
// tests leave it unset.
func (p *Pool) SetNotifier(n Notifier) {
	p.notifier = n
}

// resetBoundary computes today's reset instant R at resetHour in the pool's
// timezone, returning R if now >= R, else R - 24h (spec.md §4.3 "Reset
// rule").
func (p *Pool) resetBoundary(now time.Time) time.Time {
	r := time.Date(now.Year(), now.Month(), now.Day(), p.resetHour, 0, 0, 0, now.Location())
	if now.Before(r) {
		return r.AddDate(0, 0, -1)
	}
	return r
}

// applyReset resets every active credential whose last_reset predates the
// current boundary, for every call to Acquire.
func (p *Pool) applyReset(ctx context.Context) error {
	now := p.clock.Now()
	boundary := p.resetBoundary(now)
	n, err := p.store.ResetCredentialsBefore(ctx, boundary, now)
	if err != nil {
		return fmt.Errorf("resetting credentials: %w", err)
	}
	if n > 0 {
		p.logger.Info("reset credentials", "count", n, "boundary", boundary)
	}
	return nil
}

// Acquire selects a credential eligible for kind, applying the daily reset
// first. Returns ok=false if no eligible credential exists.
func (p *Pool) Acquire(ctx context.Context, kind store.Kind) (store.Credential, bool, error) {
	if err := p.applyReset(ctx); err != nil {
		return store.Credential{}, false, err
	}

	candidates, err := p.store.ListEligible(ctx, kind)
	if err != nil {
		return store.Credential{}, false, fmt.Errorf("listing eligible credentials: %w", err)
	}
	if len(candidates) == 0 {
		return store.Credential{}, false, nil
	}

	if p.limiter != nil {
		eligible := candidates[:0:0]
		for _, c := range candidates {
			allowed, err := p.limiter.Allow(ctx, c.ID, kind, c.QPS(kind))
			if err != nil {
				if !p.warnedLimiter {
					p.logger.Warn("qps limiter unavailable, falling back to quota-only selection", "error", err)
					p.warnedLimiter = true
				}
				eligible = candidates
				break
			}
			if allowed {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) > 0 {
			candidates = eligible
		}
	}

	// Selection is uniform random among eligible credentials (spec.md §4.3
	// "Selection") to spread load and avoid starvation tied to monotonic
	// counters.
	chosen := candidates[rand.Intn(len(candidates))]
	return chosen, true, nil
}

// IncrementUsage increments used[kind] by 1 for credential id.
func (p *Pool) IncrementUsage(ctx context.Context, id int64, kind store.Kind) (bool, error) {
	ok, err := p.store.IncrementUsage(ctx, id, kind)
	if err != nil {
		return false, fmt.Errorf("incrementing usage: %w", err)
	}
	return ok, nil
}

// MarkDailyExhausted forces used[kind] to the effective limit, making the
// credential ineligible until the next reset.
func (p *Pool) MarkDailyExhausted(ctx context.Context, id int64, kind store.Kind) error {
	if err := p.store.MarkDailyExhausted(ctx, id, kind); err != nil {
		return fmt.Errorf("marking daily exhausted: %w", err)
	}
	return nil
}

// Disable sets active=false for credential id and records reason in its
// description. Sticky: once disabled, never automatically re-enabled.
func (p *Pool) Disable(ctx context.Context, id int64, reason string) error {
	if err := p.store.Disable(ctx, id, reason); err != nil {
		return fmt.Errorf("disabling credential: %w", err)
	}
	p.logger.Warn("credential disabled", "credential_id", id, "reason", reason)
	if p.notifier != nil {
		p.notifier.NotifyCredentialDisabled(id, reason)
	}
	return nil
}

// UpdateLimits applies custom per-kind limit/QPS overrides to credential id.
func (p *Pool) UpdateLimits(ctx context.Context, id int64, limits store.CredentialLimits) (bool, error) {
	ok, err := p.store.UpdateLimits(ctx, id, limits)
	if err != nil {
		return false, fmt.Errorf("updating limits: %w", err)
	}
	return ok, nil
}

// GetUsage returns the current credential row, including its usage
// counters and effective limits.
func (p *Pool) GetUsage(ctx context.Context, id int64) (store.Credential, error) {
	c, err := p.store.Get(ctx, id)
	if err != nil {
		return store.Credential{}, fmt.Errorf("getting credential %d: %w", id, err)
	}
	return c, nil
}

// ActiveCount returns the number of currently active credentials, used by
// the proxy forwarder to cap its retry loop (spec.md §4.4 closing
// paragraph).
func (p *Pool) ActiveCount(ctx context.Context) (int, error) {
	active, err := p.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active credentials: %w", err)
	}
	return len(active), nil
}
