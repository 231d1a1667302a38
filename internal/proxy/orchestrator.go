package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/config"
	"github.com/mckingz/edu-ai-gateway/internal/billing"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
	"github.com/mckingz/edu-ai-gateway/internal/pricing"
	"github.com/mckingz/edu-ai-gateway/internal/profile"
	"github.com/mckingz/edu-ai-gateway/internal/provider"
	"github.com/mckingz/edu-ai-gateway/internal/quota"
	"github.com/mckingz/edu-ai-gateway/internal/selector"
)

const defaultMaxBackoff = 5 * time.Second

// Accountant is the quota surface the orchestrator and handler need.
type Accountant interface {
	CheckAndReserve(ctx context.Context, sub quota.Subject, service plan.ServiceType) (*quota.Reservation, error)
	Release(ctx context.Context, res *quota.Reservation) error
	RecordAttempt(ctx context.Context, rec *billing.UsageRecord)
	Status(ctx context.Context, sub quota.Subject, service plan.ServiceType) (quota.Status, error)
}

// Request is one inbound AI request after the HTTP layer has decoded it.
type Request struct {
	RequestID   string
	UserID      string
	Service     plan.ServiceType
	System      string
	Prompt      string
	Images      []provider.Image
	History     []provider.Message
	ForcedTool  *provider.Tool
	Preferences selector.Preferences
	MaxTokens   int
}

type Result struct {
	RequestID         string
	Content           string
	ToolResult        json.RawMessage
	ForcedToolHonored bool
	Provider          string
	Model             string
	InputTokens       int
	OutputTokens      int
	Cost              decimal.Decimal
	Attempts          int
}

// Orchestrator runs a request through its fallback chain: select, reserve quota,
// then try each candidate in order until one succeeds.
type Orchestrator struct {
	profiles   profile.Lookup
	routing    config.RoutingSource
	providers  map[string]provider.Provider
	names      []string
	breakers   map[string]*gobreaker.CircuitBreaker
	quota      Accountant
	pricing    *pricing.Calculator
	tracer     trace.Tracer
	logger     *zap.Logger
	maxBackoff time.Duration
	after      func(time.Duration) <-chan time.Time
	now        func() time.Time

	background sync.WaitGroup
}

type Option func(*Orchestrator)

// WithMaxBackoff caps the wait before a same-candidate retry.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxBackoff = d }
}

// WithClock overrides the time source and the retry timer.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.after = after
	}
}

func NewOrchestrator(
	profiles profile.Lookup,
	routing config.RoutingSource,
	providers []provider.Provider,
	accountant Accountant,
	calc *pricing.Calculator,
	tracer trace.Tracer,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		profiles:   profiles,
		routing:    routing,
		providers:  make(map[string]provider.Provider),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		quota:      accountant,
		pricing:    calc,
		tracer:     tracer,
		logger:     logger,
		maxBackoff: defaultMaxBackoff,
		after:      time.After,
		now:        time.Now,
	}
	for _, p := range providers {
		o.providers[p.Name()] = p
		o.names = append(o.names, p.Name())
		o.breakers[p.Name()] = newBreaker(p.Name(), logger)
	}
	sort.Strings(o.names)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Caller mistakes and cancellations say nothing about vendor health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			switch provider.KindOf(err) {
			case provider.KindMalformedRequest, provider.KindProtocolViolation:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Providers lists the registered adapter names.
func (o *Orchestrator) Providers() []string {
	return o.names
}

// Wait blocks until background releases started by cancelled runs finish.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// run is the state of one Execute call.
type run struct {
	req      *Request
	sub      quota.Subject
	res      *quota.Reservation
	attempts int
	// called is the last candidate an adapter call was actually made to.
	called *config.ModelSpec
}

func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("user_id", req.UserID),
		attribute.String("service_type", string(req.Service)),
	)

	result, err := o.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", result.Provider),
		attribute.String("model", result.Model),
		attribute.Int("attempts", result.Attempts),
	)
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *Request) (*Result, error) {
	// selecting
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prof, err := o.profiles.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile: %w", err)
	}
	routing := o.routing.Current()
	chain, err := selector.Select(routing, selector.Criteria{
		Tier:        prof.Tier,
		Service:     req.Service,
		HasImages:   len(req.Images) > 0,
		Preferences: req.Preferences,
		Providers:   o.names,
	})
	if err != nil {
		return nil, err
	}
	svc, _ := routing.Service(req.Service)

	o.logger.Debug("selected chain",
		zap.String("request_id", req.RequestID),
		zap.String("tier", string(prof.Tier)),
		zap.Stringer("chain", chain),
	)

	// reserve
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &run{
		req: req,
		sub: quota.Subject{UserID: prof.UserID, TenantID: prof.TenantID, Tier: prof.Tier},
	}
	r.res, err = o.quota.CheckAndReserve(ctx, r.sub, req.Service)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			rec := o.record(r, chain[0], billing.StatusQuotaExceeded)
			rec.IdempotencyKey = req.RequestID + ":quota"
			rec.ErrorMessage = err.Error()
			o.quota.RecordAttempt(ctx, rec)
			return nil, err
		}
		o.logger.Error("quota store unavailable",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	// attempting
	var failures []Failure
	for _, m := range chain {
		preq := o.providerRequest(req, m, svc)
		kind, skipped, result, err := o.attemptCandidate(ctx, r, m, preq)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		failures = append(failures, Failure{Provider: m.Provider, Model: m.ID, Kind: kind, Skipped: skipped})
	}

	exhausted := &ExhaustedError{Failures: failures}
	o.logger.Warn("fallback chain exhausted",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.Error(exhausted),
	)
	if err := o.quota.Release(ctx, r.res); err != nil {
		o.logger.Error("failed to release quota", zap.String("request_id", req.RequestID), zap.Error(err))
	}
	return nil, exhausted
}

// attemptCandidate calls one candidate, retrying once on transient kinds. It
// returns a result on success, or the final kind on failure. A non-nil error
// ends the whole run.
func (o *Orchestrator) attemptCandidate(ctx context.Context, r *run, m config.ModelSpec, preq *provider.Request) (provider.Kind, bool, *Result, error) {
	p := o.providers[m.Provider]
	cb := o.breakers[m.Provider]

	var last provider.Kind
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return "", false, nil, o.cancel(ctx, r, r.called)
		}

		started := o.now()
		resp, err := o.call(ctx, p, cb, preq)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if try > 0 {
				return last, false, nil, nil
			}
			o.logger.Info("skipping candidate with open circuit",
				zap.String("request_id", r.req.RequestID),
				zap.String("provider", m.Provider),
				zap.String("model", m.ID),
			)
			return "", true, nil, nil
		}
		r.called = &m
		if err != nil && ctx.Err() != nil {
			return "", false, nil, o.cancel(ctx, r, r.called)
		}

		r.attempts++
		latency := o.now().Sub(started).Milliseconds()

		if err == nil {
			return "", false, o.succeed(ctx, r, m, preq, resp, latency), nil
		}

		kind := provider.KindOf(err)
		rec := o.record(r, m, billing.StatusError)
		if kind == provider.KindRateLimited {
			rec.Status = billing.StatusRateLimited
		}
		rec.ErrorKind = string(kind)
		rec.ErrorMessage = err.Error()
		rec.LatencyMs = latency
		var pe *provider.Error
		if errors.As(err, &pe) {
			rec.InputTokens, rec.OutputTokens = pe.InputTokens, pe.OutputTokens
			rec.CostUSD = o.pricing.Cost(m.ID, pe.InputTokens, pe.OutputTokens)
		}
		o.quota.RecordAttempt(ctx, rec)

		o.logger.Warn("provider attempt failed",
			zap.String("request_id", r.req.RequestID),
			zap.String("provider", m.Provider),
			zap.String("model", m.ID),
			zap.String("kind", string(kind)),
			zap.Int("attempt", r.attempts),
			zap.Error(err),
		)

		last = kind
		if !kind.Retryable() || try > 0 {
			return kind, false, nil, nil
		}

		wait := provider.DefaultBackoffFor(kind)
		if pe != nil {
			wait = pe.RetryAfter
		}
		wait = min(wait, o.maxBackoff)
		select {
		case <-ctx.Done():
			return "", false, nil, o.cancel(ctx, r, r.called)
		case <-o.after(wait):
		}
	}
}

type callResult struct {
	resp *provider.Response
	err  error
}

// call runs one adapter call through the provider's breaker. The call runs in
// its own goroutine so a cancelled context returns immediately.
func (o *Orchestrator) call(ctx context.Context, p provider.Provider, cb *gobreaker.CircuitBreaker, preq *provider.Request) (*provider.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("model", preq.Model),
	)

	done := make(chan callResult, 1)
	go func() {
		out, err := cb.Execute(func() (interface{}, error) {
			resp, err := p.Complete(ctx, preq)
			if err != nil {
				return nil, err
			}
			if err := provider.CheckForcedTool(preq, resp); err != nil {
				return nil, err
			}
			return resp, nil
		})
		if err != nil {
			done <- callResult{err: err}
			return
		}
		done <- callResult{resp: out.(*provider.Response)}
	}()

	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "abandoned")
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, string(provider.KindOf(res.err)))
		}
		return res.resp, res.err
	}
}

func (o *Orchestrator) succeed(ctx context.Context, r *run, m config.ModelSpec, preq *provider.Request, resp *provider.Response, latency int64) *Result {
	cost := o.pricing.Cost(m.ID, resp.InputTokens, resp.OutputTokens)
	if resp.LatencyMs > 0 {
		latency = resp.LatencyMs
	}

	rec := o.record(r, m, billing.StatusSuccess)
	rec.InputTokens = resp.InputTokens
	rec.OutputTokens = resp.OutputTokens
	rec.CostUSD = cost
	rec.LatencyMs = latency
	o.quota.RecordAttempt(ctx, rec)

	result := &Result{
		RequestID:    r.req.RequestID,
		Content:      resp.Content,
		Provider:     m.Provider,
		Model:        m.ID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         cost,
		Attempts:     r.attempts,
	}
	if preq.ForcedTool != "" && resp.ToolCall != nil {
		result.ToolResult = resp.ToolCall.Input
		result.ForcedToolHonored = true
	}
	return result
}

// cancel records the abandoned run and gives the slot back off the request path.
func (o *Orchestrator) cancel(ctx context.Context, r *run, called *config.ModelSpec) error {
	err := ctx.Err()
	detached := context.WithoutCancel(ctx)

	// Without a call yet the record names no provider.
	var m config.ModelSpec
	if called != nil {
		m = *called
	}
	r.attempts++
	rec := o.record(r, m, billing.StatusCancelled)
	rec.ErrorMessage = err.Error()
	o.quota.RecordAttempt(detached, rec)

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		rctx, cancel := context.WithTimeout(detached, 5*time.Second)
		defer cancel()
		if err := o.quota.Release(rctx, r.res); err != nil {
			o.logger.Error("failed to release quota after cancellation",
				zap.String("request_id", r.req.RequestID),
				zap.Error(err),
			)
		}
	}()

	o.logger.Info("request cancelled",
		zap.String("request_id", r.req.RequestID),
		zap.String("provider", m.Provider),
		zap.Error(err),
	)
	return fmt.Errorf("request abandoned: %w", err)
}

func (o *Orchestrator) record(r *run, m config.ModelSpec, status billing.Status) *billing.UsageRecord {
	return &billing.UsageRecord{
		ID:             uuid.New().String(),
		IdempotencyKey: fmt.Sprintf("%s:%d", r.req.RequestID, r.attempts),
		RequestID:      r.req.RequestID,
		UserID:         r.sub.UserID,
		TenantID:       r.sub.TenantID,
		ServiceType:    r.req.Service,
		Provider:       m.Provider,
		Model:          m.ID,
		Status:         status,
		CostUSD:        decimal.Zero,
		CreatedAt:      o.now().UTC(),
	}
}

func (o *Orchestrator) providerRequest(req *Request, m config.ModelSpec, svc config.ServiceSpec) *provider.Request {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = svc.MaxTokens
	}
	if maxTokens <= 0 || maxTokens > m.MaxOutputTokens {
		maxTokens = m.MaxOutputTokens
	}

	preq := &provider.Request{
		Model:     m.ID,
		System:    req.System,
		Prompt:    req.Prompt,
		Images:    req.Images,
		History:   req.History,
		MaxTokens: maxTokens,
		RequestID: req.RequestID,
	}
	if req.ForcedTool != nil {
		preq.Tools = []provider.Tool{*req.ForcedTool}
		preq.ForcedTool = req.ForcedTool.Name
	}
	return preq
}
