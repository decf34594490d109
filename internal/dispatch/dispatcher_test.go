package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fmarinho/agentgov/internal/backend"
	"github.com/fmarinho/agentgov/internal/circuitbreaker"
	"github.com/fmarinho/agentgov/internal/cost"
	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/ledger"
	"github.com/fmarinho/agentgov/internal/ratelimit"
	"github.com/fmarinho/agentgov/internal/selector"
)

type fakeInvoker struct {
	id    string
	calls atomic.Int64
	fn    func(ctx context.Context, modelID string, payload domain.TaskPayload, cred string) (*backend.Invocation, error)
}

func (f *fakeInvoker) ID() string { return f.id }

func (f *fakeInvoker) Invoke(ctx context.Context, modelID string, payload domain.TaskPayload, cred string) (*backend.Invocation, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, modelID, payload, cred)
	}
	return &backend.Invocation{Output: "ok", InputTokens: 100, OutputTokens: 50}, nil
}

func okInvoker(id string) *fakeInvoker {
	return &fakeInvoker{id: id}
}

var testModels = []domain.ModelDescriptor{
	{ID: "fast-small", Provider: "fake", InputPer1K: 0.0005, OutputPer1K: 0.0015, Quality: 6, Speed: 9, MaxContext: 16000},
	{ID: "big-smart", Provider: "fake", InputPer1K: 0.005, OutputPer1K: 0.015, Quality: 9, Speed: 5, MaxContext: 128000},
}

func testTier() domain.Tier {
	return domain.Tier{
		Name:                 "test",
		RequestsPerMinute:    1000,
		RequestsPerHour:      10000,
		MaxConcurrent:        100,
		MaxConcurrentBackend: 100,
		TokensPerMinute:      1_000_000,
		MarkupPercent:        20,
	}
}

type harness struct {
	dispatcher *Dispatcher
	store      *ledger.MemoryStore
	breakers   *circuitbreaker.Registry
	invoker    *fakeInvoker
}

func newHarness(t *testing.T, tier domain.Tier, invoker *fakeInvoker, breakerCfg circuitbreaker.Config) *harness {
	t.Helper()

	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
		}
	}
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = BackendFailure
	}

	breakers := circuitbreaker.NewRegistry(breakerCfg)
	store := ledger.NewMemoryStore()
	led := ledger.New(store)
	t.Cleanup(func() { led.Close() })

	d := New(Config{
		Tiers:    map[string]domain.Tier{tier.Name: tier},
		Limiter:  ratelimit.NewTieredLimiter(),
		Breakers: breakers,
		Selector: selector.New(testModels, breakers),
		Cost:     cost.NewCalculator(),
		Ledger:   led,
		Invokers: map[string]backend.Invoker{invoker.id: invoker},
		Timeout:  5 * time.Second,
	})

	return &harness{dispatcher: d, store: store, breakers: breakers, invoker: invoker}
}

func simpleRequest(caller string) domain.ExecutionRequest {
	return domain.ExecutionRequest{
		CallerID: caller,
		Tier:     "test",
		Payload:  domain.TaskPayload{Input: "summarize quarterly revenue"},
	}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))

	if rec.Status != domain.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", rec.Status, rec.Reason)
	}
	if rec.RequestID == "" {
		t.Error("record missing request id")
	}
	if rec.Model != "fast-small" {
		t.Errorf("model = %q, want cheapest eligible fast-small", rec.Model)
	}
	if rec.InputTokens != 100 || rec.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 100/50", rec.InputTokens, rec.OutputTokens)
	}
	if rec.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", rec.CostUSD)
	}

	got := h.store.All()
	if len(got) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(got))
	}
	if got[0].RequestID != rec.RequestID {
		t.Errorf("ledger record id = %q, want %q", got[0].RequestID, rec.RequestID)
	}
}

func TestExecuteCostIncludesMarkup(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))

	// 100 input + 50 output on fast-small, times the 20% tier markup.
	raw := 100.0/1000*0.0005 + 50.0/1000*0.0015
	want := raw * 1.20
	if diff := rec.CostUSD - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", rec.CostUSD, want)
	}
}

func TestExecuteMalformed(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	cases := []struct {
		name string
		req  domain.ExecutionRequest
	}{
		{"empty caller", domain.ExecutionRequest{Tier: "test", Payload: domain.TaskPayload{Input: "x"}}},
		{"empty input", domain.ExecutionRequest{CallerID: "a", Tier: "test"}},
		{"unknown tier", domain.ExecutionRequest{CallerID: "a", Tier: "platinum", Payload: domain.TaskPayload{Input: "x"}}},
		{"unknown override", func() domain.ExecutionRequest {
			r := simpleRequest("a")
			r.ModelOverride = "no-such-model"
			return r
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.dispatcher.Execute(context.Background(), tc.req)
			if rec.Status != domain.StatusRejected {
				t.Errorf("status = %q, want rejected", rec.Status)
			}
			if rec.Reason != domain.ReasonMalformed {
				t.Errorf("reason = %q, want %q", rec.Reason, domain.ReasonMalformed)
			}
			if h.invoker.calls.Load() != 0 {
				t.Error("backend reached on malformed request")
			}
		})
	}

	if got := len(h.store.All()); got != len(cases) {
		t.Errorf("ledger records = %d, want %d (every rejection must land)", got, len(cases))
	}
}

func TestExecuteModelOverride(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	req := simpleRequest("acct-1")
	req.ModelOverride = "big-smart"

	rec := h.dispatcher.Execute(context.Background(), req)
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", rec.Status, rec.Reason)
	}
	if rec.Model != "big-smart" {
		t.Errorf("model = %q, want override big-smart", rec.Model)
	}
}

func TestExecuteRateLimitExactness(t *testing.T) {
	tier := testTier()
	tier.RequestsPerMinute = 10
	h := newHarness(t, tier, okInvoker("fake"), circuitbreaker.Config{})

	var rejected []domain.ExecutionRecord
	for i := 0; i < 11; i++ {
		rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))
		if rec.Status == domain.StatusRejected {
			rejected = append(rejected, rec)
		}
	}

	if len(rejected) != 1 {
		t.Fatalf("rejected = %d of 11, want exactly 1 at a 10/min limit", len(rejected))
	}
	if rejected[0].Reason != domain.ReasonRateLimited {
		t.Errorf("reason = %q, want %q", rejected[0].Reason, domain.ReasonRateLimited)
	}
	if rejected[0].RetryAfterMs <= 0 {
		t.Errorf("retry_after_ms = %d, want > 0", rejected[0].RetryAfterMs)
	}

	if got := len(h.store.All()); got != 11 {
		t.Errorf("ledger records = %d, want 11 (one per attempt)", got)
	}
}

func TestExecuteBackendError(t *testing.T) {
	inv := &fakeInvoker{id: "fake", fn: func(context.Context, string, domain.TaskPayload, string) (*backend.Invocation, error) {
		return nil, fmt.Errorf("call backend: %w", domain.ErrBackendError)
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{})

	rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))

	if rec.Status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.Reason != domain.ReasonBackendError {
		t.Errorf("reason = %q, want %q", rec.Reason, domain.ReasonBackendError)
	}
	if rec.CostUSD != 0 {
		t.Errorf("cost = %v, want 0 on failure", rec.CostUSD)
	}
}

func TestExecuteCircuitOpensAfterThreshold(t *testing.T) {
	inv := &fakeInvoker{id: "fake", fn: func(context.Context, string, domain.TaskPayload, string) (*backend.Invocation, error) {
		return nil, domain.ErrBackendError
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	for i := 0; i < 5; i++ {
		rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))
		if rec.Reason != domain.ReasonBackendError {
			t.Fatalf("call %d: reason = %q, want backend_error", i+1, rec.Reason)
		}
	}

	// The selector skips open providers, so pin the model to reach the
	// breaker itself.
	before := h.invoker.calls.Load()
	req := simpleRequest("acct-1")
	req.ModelOverride = "fast-small"
	rec := h.dispatcher.Execute(context.Background(), req)

	if rec.Status != domain.StatusFailed || rec.Reason != domain.ReasonCircuitOpen {
		t.Fatalf("status/reason = %q/%q, want failed/circuit_open", rec.Status, rec.Reason)
	}
	if rec.RetryAfterMs <= 0 {
		t.Errorf("retry_after_ms = %d, want > 0", rec.RetryAfterMs)
	}
	if h.invoker.calls.Load() != before {
		t.Error("backend reached while circuit open")
	}

	if got := len(h.store.All()); got != 6 {
		t.Errorf("ledger records = %d, want 6", got)
	}
}

func TestExecuteInvalidRequestErrorsLeaveCircuitClosed(t *testing.T) {
	inv := &fakeInvoker{id: "fake", fn: func(context.Context, string, domain.TaskPayload, string) (*backend.Invocation, error) {
		return nil, fmt.Errorf("%w: status=400", domain.ErrInvalidRequest)
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
	})

	// One caller's bad prompts must not poison the shared provider circuit.
	for i := 0; i < 10; i++ {
		rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))
		if rec.Status != domain.StatusFailed {
			t.Fatalf("call %d: status = %q, want failed", i+1, rec.Status)
		}
	}

	if h.breakers.Open("fake") {
		t.Fatal("circuit opened on caller-input errors")
	}

	inv.fn = nil
	rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-2"))
	if rec.Status != domain.StatusSuccess {
		t.Errorf("status = %q (%s), want success once the backend recovers", rec.Status, rec.Reason)
	}
}

func TestBackendFailureClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"backend error", domain.ErrBackendError, true},
		{"wrapped backend error", fmt.Errorf("call backend: %w", domain.ErrBackendError), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"invalid request", fmt.Errorf("%w: status=400", domain.ErrInvalidRequest), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BackendFailure(tc.err); got != tc.want {
				t.Errorf("BackendFailure(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestExecuteAllCircuitsOpenNoOverride(t *testing.T) {
	inv := &fakeInvoker{id: "fake", fn: func(context.Context, string, domain.TaskPayload, string) (*backend.Invocation, error) {
		return nil, domain.ErrBackendError
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	})

	h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))

	// With the only provider's circuit open the selector has nothing left.
	rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))
	if rec.Status != domain.StatusFailed || rec.Reason != domain.ReasonNoEligibleModel {
		t.Fatalf("status/reason = %q/%q, want failed/no_eligible_model", rec.Status, rec.Reason)
	}
}

func TestExecuteTimeout(t *testing.T) {
	inv := &fakeInvoker{id: "fake", fn: func(ctx context.Context, _ string, _ domain.TaskPayload, _ string) (*backend.Invocation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{})

	req := simpleRequest("acct-1")
	limit := int64(50)
	req.MaxLatencyMs = &limit

	rec := h.dispatcher.Execute(context.Background(), req)

	if rec.Status != domain.StatusTimeout {
		t.Errorf("status = %q, want timeout", rec.Status)
	}
	if rec.Reason != domain.ReasonBackendTimeout {
		t.Errorf("reason = %q, want %q", rec.Reason, domain.ReasonBackendTimeout)
	}
}

func TestExecuteCancellation(t *testing.T) {
	started := make(chan struct{})
	inv := &fakeInvoker{id: "fake", fn: func(ctx context.Context, _ string, _ domain.TaskPayload, _ string) (*backend.Invocation, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testTier(), inv, circuitbreaker.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := h.dispatcher.Execute(ctx, simpleRequest("acct-1"))

	if rec.Status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.Reason != domain.ReasonCancelled {
		t.Errorf("reason = %q, want %q", rec.Reason, domain.ReasonCancelled)
	}

	// Cancellation is the caller's doing, not a backend fault; the circuit
	// must stay closed.
	if h.breakers.Open("fake") {
		t.Error("circuit opened on caller cancellation")
	}

	if got := len(h.store.All()); got != 1 {
		t.Errorf("ledger records = %d, want 1", got)
	}
}

func TestExecuteSlotsReleasedOnFailure(t *testing.T) {
	tier := testTier()
	tier.MaxConcurrent = 1
	inv := &fakeInvoker{id: "fake", fn: func(context.Context, string, domain.TaskPayload, string) (*backend.Invocation, error) {
		return nil, domain.ErrBackendError
	}}
	h := newHarness(t, tier, inv, circuitbreaker.Config{
		FailureThreshold: 100,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	})

	// If a failed invocation leaked its slot the second call would be
	// rejected on the concurrency dimension.
	for i := 0; i < 3; i++ {
		rec := h.dispatcher.Execute(context.Background(), simpleRequest("acct-1"))
		if rec.Status == domain.StatusRejected {
			t.Fatalf("call %d rejected: slot leaked on failure path", i+1)
		}
	}
}

func TestExecuteConcurrentCallers(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	const n = 50
	var wg sync.WaitGroup
	results := make([]domain.ExecutionRecord, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := simpleRequest(fmt.Sprintf("acct-%d", i%5))
			results[i] = h.dispatcher.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, rec := range results {
		if rec.Status != domain.StatusSuccess {
			t.Errorf("status = %q (%s), want success", rec.Status, rec.Reason)
		}
		if seen[rec.RequestID] {
			t.Errorf("duplicate request id %q", rec.RequestID)
		}
		seen[rec.RequestID] = true
	}

	if got := len(h.store.All()); got != n {
		t.Errorf("ledger records = %d, want %d", got, n)
	}
}

func TestExecuteHighFidelityPicksQualityModel(t *testing.T) {
	h := newHarness(t, testTier(), okInvoker("fake"), circuitbreaker.Config{})

	req := simpleRequest("acct-1")
	req.Payload.RequiresReasoning = true
	req.Payload.RequiresHighFidelity = true
	minQ := 8
	req.MinQuality = &minQ

	rec := h.dispatcher.Execute(context.Background(), req)
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", rec.Status, rec.Reason)
	}
	if rec.Model != "big-smart" {
		t.Errorf("model = %q, want big-smart for min quality 8", rec.Model)
	}
}

func TestExecuteBYOKFlatFee(t *testing.T) {
	tier := testTier()
	tier.Name = "byok"
	tier.BYOK = true
	tier.FlatFeeUSD = 0.002
	h := newHarness(t, tier, okInvoker("fake"), circuitbreaker.Config{})

	req := domain.ExecutionRequest{
		CallerID: "acct-1",
		Tier:     "byok",
		Payload:  domain.TaskPayload{Input: "hello"},
		BYOKCred: "sk-caller-own-key",
	}
	rec := h.dispatcher.Execute(context.Background(), req)
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("status = %q (%s), want success", rec.Status, rec.Reason)
	}
	if rec.CostUSD != 0.002 {
		t.Errorf("cost = %v, want flat fee 0.002", rec.CostUSD)
	}

	// Missing credential on a BYOK tier is a malformed request.
	req.BYOKCred = ""
	req.ID = ""
	rec = h.dispatcher.Execute(context.Background(), req)
	if rec.Status != domain.StatusRejected || rec.Reason != domain.ReasonMalformed {
		t.Errorf("status/reason = %q/%q, want rejected/malformed_request", rec.Status, rec.Reason)
	}
}
