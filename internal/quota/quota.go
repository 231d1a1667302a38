// Package quota enforces per-user, per-service usage limits by subscription tier.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/config"
	"github.com/mckingz/edu-ai-gateway/internal/billing"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

var ErrQuotaExceeded = errors.New("quota exceeded, upgrade or wait")

// Key identifies one counter.
type Key struct {
	UserID  string
	Service plan.ServiceType
}

type Counter struct {
	Used        int64
	LastResetAt time.Time
}

// Store holds quota counters. Reserve must be a single atomic step: reset the
// counter if its last reset is at or before cutoff, then take one slot if the
// count is below limit. It reports false without changes when the limit is hit.
type Store interface {
	Reserve(ctx context.Context, key Key, tenantID string, limit int64, cutoff, now time.Time) (Counter, bool, error)
	// Release gives one slot back if the counter is still in the period that
	// started at periodStart. The count never drops below zero.
	Release(ctx context.Context, key Key, periodStart time.Time) error
	Get(ctx context.Context, key Key) (Counter, bool, error)
}

// Recorder accepts ledger records without blocking.
type Recorder interface {
	Enqueue(rec *billing.UsageRecord) error
}

type Subject struct {
	UserID   string
	TenantID string
	Tier     plan.Tier
}

// Reservation is a slot taken by CheckAndReserve and held for a whole run.
type Reservation struct {
	Subject     Subject
	Service     plan.ServiceType
	Unlimited   bool
	Limit       int64
	Used        int64
	PeriodStart time.Time
}

type Status struct {
	Allowed   bool
	Remaining int64 // -1 when unlimited
	Limit     int64 // -1 when unlimited
	TierName  plan.Tier
	Period    plan.Period
}

type Accountant struct {
	store   Store
	routing config.RoutingSource
	ledger  Recorder
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Accountant)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) { a.now = now }
}

func NewAccountant(store Store, routing config.RoutingSource, ledger Recorder, logger *zap.Logger, opts ...Option) *Accountant {
	a := &Accountant{
		store:   store,
		routing: routing,
		ledger:  ledger,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckAndReserve takes one slot of the subject's quota for service. It returns
// ErrQuotaExceeded when the limit is reached; other errors mean the counter store
// could not be consulted.
func (a *Accountant) CheckAndReserve(ctx context.Context, sub Subject, service plan.ServiceType) (*Reservation, error) {
	limit := a.routing.Current().QuotaFor(sub.Tier, service)
	res := &Reservation{Subject: sub, Service: service, Limit: limit.Limit}

	if limit.Unlimited() {
		res.Unlimited = true
		return res, nil
	}
	if limit.Limit <= 0 {
		return nil, fmt.Errorf("%w: %s has no %s allowance", ErrQuotaExceeded, sub.Tier, service)
	}

	now := a.now().UTC().Truncate(time.Microsecond)
	key := Key{UserID: sub.UserID, Service: service}
	c, ok, err := a.store.Reserve(ctx, key, sub.TenantID, limit.Limit, limit.Period.Cutoff(now), now)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d %s per %s", ErrQuotaExceeded, c.Used, limit.Limit, service, limit.Period)
	}

	res.Used = c.Used
	res.PeriodStart = c.LastResetAt
	return res, nil
}

// Release returns a reservation's slot after a run that ended without success.
func (a *Accountant) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.Unlimited {
		return nil
	}
	key := Key{UserID: res.Subject.UserID, Service: res.Service}
	if err := a.store.Release(ctx, key, res.PeriodStart); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// RecordAttempt hands rec to the ledger queue. It never blocks and never fails;
// a record that cannot be queued is logged and dropped.
func (a *Accountant) RecordAttempt(ctx context.Context, rec *billing.UsageRecord) {
	if err := a.ledger.Enqueue(rec); err != nil {
		a.logger.Error("LedgerWriteFailure",
			zap.String("request_id", rec.RequestID),
			zap.String("user_id", rec.UserID),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}

// Status reports the quota left without reserving anything.
func (a *Accountant) Status(ctx context.Context, sub Subject, service plan.ServiceType) (Status, error) {
	limit := a.routing.Current().QuotaFor(sub.Tier, service)
	st := Status{TierName: sub.Tier, Limit: limit.Limit, Period: limit.Period}

	if limit.Unlimited() {
		st.Allowed, st.Remaining = true, config.UnlimitedQuota
		return st, nil
	}
	if limit.Limit <= 0 {
		return st, nil
	}

	c, ok, err := a.store.Get(ctx, Key{UserID: sub.UserID, Service: service})
	if err != nil {
		return Status{}, fmt.Errorf("failed to read quota: %w", err)
	}
	used := c.Used
	if !ok || limit.Period.Expired(c.LastResetAt, a.now()) {
		used = 0
	}
	st.Remaining = max(limit.Limit-used, 0)
	st.Allowed = st.Remaining > 0
	return st, nil
}
