package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/config"
	"github.com/mckingz/edu-ai-gateway/internal/billing"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
	"github.com/mckingz/edu-ai-gateway/internal/pricing"
	"github.com/mckingz/edu-ai-gateway/internal/profile"
	"github.com/mckingz/edu-ai-gateway/internal/provider"
	"github.com/mckingz/edu-ai-gateway/internal/quota"
)

const testRouting = `
default_provider: alpha
max_chain_length: 3
open_alt_provider: gamma
models:
  - { id: alpha-large, provider: alpha, vision: true, capability: 90, max_output_tokens: 2048, input_price_per_million: 3, output_price_per_million: 15 }
  - { id: beta-large, provider: beta, vision: true, capability: 85, input_price_per_million: 2, output_price_per_million: 8 }
  - { id: gamma-small, provider: gamma, capability: 50, input_price_per_million: 0.1, output_price_per_million: 0.4 }
services:
  chat: { max_tokens: 1024 }
  grading: { min_tier: premium }
quotas:
  free:
    services:
      chat: { limit: 2, period: day }
  enterprise:
    unlimited: true
`

type fakeProvider struct {
	name         string
	completeFunc func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error)

	mu       sync.Mutex
	calls    int
	requests []*provider.Request
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.completeFunc != nil {
		return f.completeFunc(ctx, req, call)
	}
	return &provider.Response{
		Content:      "answer from " + f.name,
		Provider:     f.name,
		Model:        req.Model,
		InputTokens:  1000,
		OutputTokens: 500,
	}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func failWith(kind provider.Kind) func(context.Context, *provider.Request, int) (*provider.Response, error) {
	return func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error) {
		return nil, provider.NewError("fake", kind, 0, "vendor said no")
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	records   []*billing.UsageRecord
	onEnqueue func(rec *billing.UsageRecord)
}

func (l *fakeLedger) Enqueue(rec *billing.UsageRecord) error {
	l.mu.Lock()
	l.records = append(l.records, rec)
	hook := l.onEnqueue
	l.mu.Unlock()
	if hook != nil {
		hook(rec)
	}
	return nil
}

func (l *fakeLedger) statuses() []billing.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]billing.Status, len(l.records))
	for i, r := range l.records {
		out[i] = r.Status
	}
	return out
}

type fakeProfiles map[string]*profile.Profile

func (f fakeProfiles) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	p, ok := f[userID]
	if !ok {
		return nil, profile.ErrProfileNotFound
	}
	return p, nil
}

var testProfiles = fakeProfiles{
	"student-1": {UserID: "student-1", TenantID: "school-1", Tier: plan.TierFree},
	"district-1": {UserID: "district-1", TenantID: "district", Tier: plan.TierEnterprise},
}

type testEnv struct {
	o      *Orchestrator
	store  *quota.MemoryStore
	ledger *fakeLedger
	waits  []time.Duration
}

func newTestEnv(t *testing.T, store quota.Store, providers ...provider.Provider) *testEnv {
	t.Helper()
	r, err := config.ParseRouting([]byte(testRouting))
	if err != nil {
		t.Fatalf("ParseRouting failed: %v", err)
	}
	src := config.Static(r)
	env := &testEnv{ledger: &fakeLedger{}}
	if store == nil {
		env.store = quota.NewMemoryStore()
		store = env.store
	}
	accountant := quota.NewAccountant(store, src, env.ledger, zap.NewNop())
	after := func(d time.Duration) <-chan time.Time {
		env.waits = append(env.waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	env.o = NewOrchestrator(testProfiles, src, providers, accountant,
		pricing.NewCalculator(src, zap.NewNop()),
		noop.NewTracerProvider().Tracer("test"), zap.NewNop(),
		WithClock(time.Now, after),
	)
	return env
}

func (e *testEnv) used(t *testing.T, userID string) int64 {
	t.Helper()
	c, ok, err := e.store.Get(context.Background(), quota.Key{UserID: userID, Service: plan.ServiceChat})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		return 0
	}
	return c.Used
}

func chatRequest(userID string) *Request {
	return &Request{UserID: userID, Service: plan.ServiceChat, Prompt: "what is 2+2?"}
}

func TestExecute_SuccessOnFirstCandidate(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, nil, alpha, &fakeProvider{name: "beta"})

	res, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Provider != "alpha" || res.Model != "alpha-large" || res.Attempts != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	// 1000 in at $3/M + 500 out at $15/M
	if !res.Cost.Equal(decimal.RequireFromString("0.0105")) {
		t.Errorf("Expected cost 0.0105, got %s", res.Cost)
	}
	if env.used(t, "student-1") != 1 {
		t.Errorf("Expected one slot used, got %d", env.used(t, "student-1"))
	}
	if len(env.ledger.records) != 1 || env.ledger.records[0].Status != billing.StatusSuccess {
		t.Fatalf("Expected one success record, got %v", env.ledger.statuses())
	}
	rec := env.ledger.records[0]
	if rec.TenantID != "school-1" || rec.IdempotencyKey != res.RequestID+":1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if got := alpha.requests[0].MaxTokens; got != 1024 {
		t.Errorf("Expected service max tokens 1024, got %d", got)
	}
}

func TestExecute_FallbackOnRateLimit(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: failWith(provider.KindRateLimited)}
	beta := &fakeProvider{name: "beta"}
	env := newTestEnv(t, nil, alpha, beta)

	res, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Provider != "beta" || res.Attempts != 2 {
		t.Errorf("Expected beta after one failed attempt, got %+v", res)
	}
	if alpha.Calls() != 1 {
		t.Errorf("rate limited candidate must not be retried, got %d calls", alpha.Calls())
	}
	want := []billing.Status{billing.StatusRateLimited, billing.StatusSuccess}
	got := env.ledger.statuses()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if env.used(t, "student-1") != 1 {
		t.Errorf("Expected one slot used, got %d", env.used(t, "student-1"))
	}
}

func TestExecute_NoSameCandidateRetry(t *testing.T) {
	for _, kind := range []provider.Kind{
		provider.KindAuthentication,
		provider.KindBalanceDepleted,
		provider.KindMalformedRequest,
		provider.KindProtocolViolation,
	} {
		t.Run(string(kind), func(t *testing.T) {
			alpha := &fakeProvider{name: "alpha", completeFunc: failWith(kind)}
			env := newTestEnv(t, nil, alpha, &fakeProvider{name: "beta"})

			res, err := env.o.Execute(context.Background(), chatRequest("student-1"))
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if alpha.Calls() != 1 || res.Provider != "beta" {
				t.Errorf("Expected one alpha call then beta, got %d calls and %s", alpha.Calls(), res.Provider)
			}
			if k := env.ledger.records[0].ErrorKind; k != string(kind) {
				t.Errorf("Expected error kind %s, got %s", kind, k)
			}
		})
	}
}

func TestExecute_RetriesTransientOnce(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error) {
		if call == 1 {
			e := provider.NewError("alpha", provider.KindTimeout, 0, "deadline")
			e.RetryAfter = time.Minute
			return nil, e
		}
		return &provider.Response{Content: "late but fine", InputTokens: 10, OutputTokens: 10}, nil
	}}
	env := newTestEnv(t, nil, alpha, &fakeProvider{name: "beta"})

	res, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Provider != "alpha" || alpha.Calls() != 2 || res.Attempts != 2 {
		t.Errorf("Expected alpha to succeed on retry, got %+v after %d calls", res, alpha.Calls())
	}
	if len(env.waits) != 1 || env.waits[0] != defaultMaxBackoff {
		t.Errorf("Expected one wait capped at %s, got %v", defaultMaxBackoff, env.waits)
	}
	if got := env.ledger.statuses(); len(got) != 2 || got[0] != billing.StatusError {
		t.Errorf("Expected error then success records, got %v", got)
	}
}

func TestExecute_TransientRetriedOnlyOnce(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: failWith(provider.KindNoResponse)}
	beta := &fakeProvider{name: "beta"}
	env := newTestEnv(t, nil, alpha, beta)

	res, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if alpha.Calls() != 2 || res.Provider != "beta" || res.Attempts != 3 {
		t.Errorf("Expected two alpha calls then beta, got %d calls, %+v", alpha.Calls(), res)
	}
}

func TestExecute_ForcedToolViolationFallsBack(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"score":{"type":"integer"}},"required":["score"]}`)
	alpha := &fakeProvider{name: "alpha", completeFunc: func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error) {
		return &provider.Response{Content: "I think it deserves a B", Provider: "alpha", InputTokens: 200, OutputTokens: 20}, nil
	}}
	beta := &fakeProvider{name: "beta", completeFunc: func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error) {
		if req.ForcedTool != "grade" || len(req.Tools) != 1 {
			t.Errorf("forced tool not passed to adapter: %+v", req)
		}
		return &provider.Response{
			Provider:     "beta",
			ToolCall:     &provider.ToolCall{Name: "grade", Input: json.RawMessage(`{"score":87}`)},
			InputTokens:  200,
			OutputTokens: 15,
		}, nil
	}}
	env := newTestEnv(t, nil, alpha, beta)

	req := chatRequest("student-1")
	req.ForcedTool = &provider.Tool{Name: "grade", Schema: schema}
	res, err := env.o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.ForcedToolHonored || string(res.ToolResult) != `{"score":87}` || res.Provider != "beta" {
		t.Errorf("unexpected result %+v", res)
	}

	violation := env.ledger.records[0]
	if violation.ErrorKind != string(provider.KindProtocolViolation) {
		t.Errorf("Expected protocol_violation, got %s", violation.ErrorKind)
	}
	if violation.InputTokens != 200 || violation.CostUSD.IsZero() {
		t.Errorf("violating call should still be billed, got %+v", violation)
	}
}

func TestExecute_QuotaExhausted(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, nil, alpha)

	for i := 0; i < 2; i++ {
		if _, err := env.o.Execute(context.Background(), chatRequest("student-1")); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}

	_, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	if alpha.Calls() != 2 {
		t.Errorf("no adapter call expected after quota is exhausted, got %d calls", alpha.Calls())
	}
	got := env.ledger.statuses()
	if len(got) != 3 || got[2] != billing.StatusQuotaExceeded {
		t.Fatalf("Expected a single quota_exceeded record, got %v", got)
	}
	if rec := env.ledger.records[2]; rec.InputTokens != 0 || !rec.CostUSD.IsZero() {
		t.Errorf("quota denial must carry no tokens or cost, got %+v", rec)
	}
}

func TestExecute_AllCandidatesFailReleasesQuota(t *testing.T) {
	env := newTestEnv(t, nil,
		&fakeProvider{name: "alpha", completeFunc: failWith(provider.KindBalanceDepleted)},
		&fakeProvider{name: "beta", completeFunc: failWith(provider.KindAuthentication)},
		&fakeProvider{name: "gamma", completeFunc: failWith(provider.KindRateLimited)},
	)

	_, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Failures) != 3 {
		t.Fatalf("Expected 3 failures, got %+v", exhausted.Failures)
	}
	wantKinds := []provider.Kind{provider.KindBalanceDepleted, provider.KindAuthentication, provider.KindRateLimited}
	for i, f := range exhausted.Failures {
		if f.Kind != wantKinds[i] {
			t.Errorf("failure %d: expected %s, got %s", i, wantKinds[i], f.Kind)
		}
	}
	if env.used(t, "student-1") != 0 {
		t.Errorf("Expected slot released, got %d used", env.used(t, "student-1"))
	}
	if len(env.ledger.records) != 3 {
		t.Errorf("Expected one record per attempt, got %d", len(env.ledger.records))
	}
}

func TestExecute_TierMismatch(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, nil, alpha)

	req := chatRequest("student-1")
	req.Service = plan.ServiceGrading
	_, err := env.o.Execute(context.Background(), req)
	if !errors.Is(err, ErrTierCapabilityMismatch) {
		t.Fatalf("Expected ErrTierCapabilityMismatch, got %v", err)
	}
	if alpha.Calls() != 0 || len(env.ledger.records) != 0 {
		t.Error("tier mismatch must not call adapters or write records")
	}
}

func TestExecute_VisionWithoutVisionProvider(t *testing.T) {
	env := newTestEnv(t, nil, &fakeProvider{name: "gamma"})

	req := chatRequest("student-1")
	req.Images = []provider.Image{{Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"}}
	if _, err := env.o.Execute(context.Background(), req); !errors.Is(err, ErrTierCapabilityMismatch) {
		t.Errorf("Expected ErrTierCapabilityMismatch, got %v", err)
	}
}

func TestExecute_EnterpriseUnlimited(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, nil, alpha)

	for i := 0; i < 10; i++ {
		if _, err := env.o.Execute(context.Background(), chatRequest("district-1")); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if _, ok, _ := env.store.Get(context.Background(), quota.Key{UserID: "district-1", Service: plan.ServiceChat}); ok {
		t.Error("unlimited tiers must not touch the counter store")
	}
}

func TestExecute_UnknownProfile(t *testing.T) {
	env := newTestEnv(t, nil, &fakeProvider{name: "alpha"})
	_, err := env.o.Execute(context.Background(), chatRequest("ghost"))
	if !errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

type brokenStore struct{ quota.Store }

func (brokenStore) Reserve(ctx context.Context, key quota.Key, tenantID string, limit int64, cutoff, now time.Time) (quota.Counter, bool, error) {
	return quota.Counter{}, false, errors.New("connection refused")
}

func TestExecute_QuotaStoreDownFailsClosed(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, brokenStore{}, alpha)

	_, err := env.o.Execute(context.Background(), chatRequest("student-1"))
	if err == nil || errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected store error, got %v", err)
	}
	if alpha.Calls() != 0 {
		t.Error("adapter must not be called without a reservation")
	}
	if status, _ := statusFor(err); status != 503 {
		t.Errorf("Expected 503, got %d", status)
	}
}

func TestExecute_CancelledMidCall(t *testing.T) {
	started := make(chan struct{})
	alpha := &fakeProvider{name: "alpha", completeFunc: func(ctx context.Context, req *provider.Request, call int) (*provider.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, provider.TransportError("alpha", ctx.Err())
	}}
	beta := &fakeProvider{name: "beta"}
	env := newTestEnv(t, nil, alpha, beta)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := env.o.Execute(ctx, chatRequest("student-1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	env.o.Wait()

	if beta.Calls() != 0 {
		t.Error("no further candidates after cancellation")
	}
	got := env.ledger.statuses()
	if len(got) != 1 || got[0] != billing.StatusCancelled {
		t.Errorf("Expected one cancelled record, got %v", got)
	}
	if env.used(t, "student-1") != 0 {
		t.Errorf("Expected slot released, got %d used", env.used(t, "student-1"))
	}
}

func TestExecute_CancelledBetweenCandidates(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: failWith(provider.KindAuthentication)}
	beta := &fakeProvider{name: "beta"}
	env := newTestEnv(t, nil, alpha, beta)

	ctx, cancel := context.WithCancel(context.Background())
	env.ledger.onEnqueue = func(rec *billing.UsageRecord) {
		if rec.Status == billing.StatusError {
			cancel()
		}
	}

	_, err := env.o.Execute(ctx, chatRequest("student-1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	env.o.Wait()

	if beta.Calls() != 0 {
		t.Error("beta must not be called after cancellation")
	}
	if len(env.ledger.records) != 2 {
		t.Fatalf("Expected error and cancelled records, got %v", env.ledger.statuses())
	}
	rec := env.ledger.records[1]
	if rec.Status != billing.StatusCancelled || rec.Provider != "alpha" || rec.Model != "alpha-large" {
		t.Errorf("cancelled record should name the last called candidate, got %s %s/%s", rec.Status, rec.Provider, rec.Model)
	}
	if rec.IdempotencyKey == env.ledger.records[0].IdempotencyKey {
		t.Error("cancelled record reused the failed attempt's idempotency key")
	}
	if env.used(t, "student-1") != 0 {
		t.Errorf("Expected slot released, got %d used", env.used(t, "student-1"))
	}
}

type cancellingStore struct {
	*quota.MemoryStore
	cancel context.CancelFunc
}

func (s cancellingStore) Reserve(ctx context.Context, key quota.Key, tenantID string, limit int64, cutoff, now time.Time) (quota.Counter, bool, error) {
	defer s.cancel()
	return s.MemoryStore.Reserve(ctx, key, tenantID, limit, cutoff, now)
}

func TestExecute_CancelledBeforeAnyCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mem := quota.NewMemoryStore()
	alpha := &fakeProvider{name: "alpha"}
	env := newTestEnv(t, cancellingStore{MemoryStore: mem, cancel: cancel}, alpha)
	env.store = mem

	_, err := env.o.Execute(ctx, chatRequest("student-1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	env.o.Wait()

	if alpha.Calls() != 0 {
		t.Error("no adapter should be called")
	}
	if len(env.ledger.records) != 1 {
		t.Fatalf("Expected one cancelled record, got %v", env.ledger.statuses())
	}
	if rec := env.ledger.records[0]; rec.Status != billing.StatusCancelled || rec.Provider != "" || rec.Model != "" {
		t.Errorf("Expected a provider-less cancelled record, got %s %s/%s", rec.Status, rec.Provider, rec.Model)
	}
	if env.used(t, "student-1") != 0 {
		t.Errorf("Expected slot released, got %d used", env.used(t, "student-1"))
	}
}

func TestExecute_OpenBreakerSkipsCandidate(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: failWith(provider.KindAuthentication)}
	beta := &fakeProvider{name: "beta"}
	env := newTestEnv(t, nil, alpha, beta)

	for i := 0; i < 3; i++ {
		if _, err := env.o.Execute(context.Background(), chatRequest("district-1")); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	before := len(env.ledger.records)

	res, err := env.o.Execute(context.Background(), chatRequest("district-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if alpha.Calls() != 3 {
		t.Errorf("open breaker should skip alpha, got %d calls", alpha.Calls())
	}
	if res.Provider != "beta" || res.Attempts != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if added := len(env.ledger.records) - before; added != 1 {
		t.Errorf("skipped candidate must not be recorded, got %d new records", added)
	}
}

func TestExecute_MalformedDoesNotTripBreaker(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFunc: failWith(provider.KindMalformedRequest)}
	env := newTestEnv(t, nil, alpha, &fakeProvider{name: "beta"})

	for i := 0; i < 5; i++ {
		if _, err := env.o.Execute(context.Background(), chatRequest("district-1")); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if alpha.Calls() != 5 {
		t.Errorf("malformed requests should not open the breaker, got %d calls", alpha.Calls())
	}
}

func TestProviderRequest_MaxTokens(t *testing.T) {
	m := config.ModelSpec{ID: "m", MaxOutputTokens: 2048}
	o := &Orchestrator{}
	tests := []struct {
		requested, service, want int
	}{
		{0, 0, 2048},
		{0, 512, 512},
		{100, 512, 100},
		{9999, 512, 2048},
	}
	for _, tt := range tests {
		got := o.providerRequest(&Request{MaxTokens: tt.requested}, m, config.ServiceSpec{MaxTokens: tt.service})
		if got.MaxTokens != tt.want {
			t.Errorf("requested=%d service=%d: expected %d, got %d", tt.requested, tt.service, tt.want, got.MaxTokens)
		}
	}
}
