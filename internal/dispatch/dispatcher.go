// Package dispatch is the façade over the governance core. Execute runs one
// request through admission control, model selection, and the guarded
// backend invocation, and always produces exactly one terminal
// ExecutionRecord — expected failures become records, never errors.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fmarinho/agentgov/internal/backend"
	"github.com/fmarinho/agentgov/internal/circuitbreaker"
	"github.com/fmarinho/agentgov/internal/cost"
	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/ledger"
	"github.com/fmarinho/agentgov/internal/metrics"
	"github.com/fmarinho/agentgov/internal/ratelimit"
	"github.com/fmarinho/agentgov/internal/selector"
	"github.com/fmarinho/agentgov/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type Config struct {
	Tiers    map[string]domain.Tier
	Limiter  ratelimit.Limiter
	Breakers *circuitbreaker.Registry
	Selector *selector.Selector
	Cost     *cost.Calculator
	Ledger   *ledger.Ledger
	Invokers map[string]backend.Invoker
	Timeout  time.Duration
}

type Dispatcher struct {
	tiers    map[string]domain.Tier
	limiter  ratelimit.Limiter
	breakers *circuitbreaker.Registry
	selector *selector.Selector
	cost     *cost.Calculator
	ledger   *ledger.Ledger
	invokers map[string]backend.Invoker
	timeout  time.Duration
}

// BackendFailure classifies invocation errors for the provider circuit
// breakers. Cancellations come from the caller, and invalid-request
// rejections mean the caller's input was bad; neither says anything about
// provider health, so neither counts toward opening the circuit.
func BackendFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrInvalidRequest)
}

func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Dispatcher{
		tiers:    cfg.Tiers,
		limiter:  cfg.Limiter,
		breakers: cfg.Breakers,
		selector: cfg.Selector,
		cost:     cfg.Cost,
		ledger:   cfg.Ledger,
		invokers: cfg.Invokers,
		timeout:  timeout,
	}
}

// Execute runs one request end to end. The returned record is terminal and
// has already been handed to the usage ledger.
func (d *Dispatcher) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionRecord {
	start := time.Now()

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.Execute",
		attribute.String("request_id", req.ID),
		attribute.String("caller_id", req.CallerID),
		attribute.String("tier", req.Tier),
	)
	defer span.End()

	rec := domain.ExecutionRecord{
		RequestID: req.ID,
		CallerID:  req.CallerID,
		Tier:      req.Tier,
		Timestamp: start,
	}

	tier, reason := d.validate(req)
	if reason != "" {
		rec.Status = domain.StatusRejected
		rec.Reason = reason
		return d.finish(ctx, rec, start)
	}

	sig := selector.Estimate(req.Payload)
	estTokens := int64(sig.EstInputTokens + sig.EstOutputTokens)

	lease, err := d.limiter.Check(ctx, req.CallerID, tier, estTokens)
	if err != nil {
		rec.Status = domain.StatusRejected
		rec.Reason = domain.ReasonRateLimited
		var rlErr *domain.RateLimitError
		if errors.As(err, &rlErr) {
			rec.RetryAfterMs = rlErr.RetryAfter.Milliseconds()
			metrics.RateLimitDenials.WithLabelValues(tier.Name, rlErr.Dimension).Inc()
		}
		return d.finish(ctx, rec, start)
	}

	// Past admission: the slot must come back on every exit path, panics
	// included, and the token window settles to actual usage.
	actualTokens := int64(-1)
	defer func() {
		lease.Release(context.WithoutCancel(ctx), actualTokens)
	}()

	model, err := d.pickModel(req, sig)
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Reason = domain.ReasonNoEligibleModel
		return d.finish(ctx, rec, start)
	}
	rec.Model = model.ID
	rec.Provider = model.Provider

	if err := lease.AcquireBackend(ctx, model.Provider); err != nil {
		rec.Status = domain.StatusRejected
		rec.Reason = domain.ReasonRateLimited
		var rlErr *domain.RateLimitError
		if errors.As(err, &rlErr) {
			rec.RetryAfterMs = rlErr.RetryAfter.Milliseconds()
			metrics.RateLimitDenials.WithLabelValues(tier.Name, rlErr.Dimension).Inc()
		}
		return d.finish(ctx, rec, start)
	}

	invoker, ok := d.invokers[model.Provider]
	if !ok {
		// Registry names a provider no invoker was wired for.
		rec.Status = domain.StatusFailed
		rec.Reason = domain.ReasonNoEligibleModel
		slog.Error("no invoker for provider", "provider", model.Provider, "model", model.ID)
		return d.finish(ctx, rec, start)
	}

	timeout := d.timeout
	if req.MaxLatencyMs != nil {
		if lim := time.Duration(*req.MaxLatencyMs) * time.Millisecond; lim < timeout {
			timeout = lim
		}
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	metrics.InFlightExecutions.Inc()
	var result *backend.Invocation
	err = d.breakers.Do(invokeCtx, model.Provider, func(ctx context.Context) error {
		var invErr error
		result, invErr = invoker.Invoke(ctx, model.ID, req.Payload, req.BYOKCred)
		return invErr
	})
	metrics.InFlightExecutions.Dec()

	switch {
	case err == nil:
		rec.Status = domain.StatusSuccess
		rec.InputTokens = result.InputTokens
		rec.OutputTokens = result.OutputTokens
		rec.CostUSD = d.cost.Cost(model, tier, result.InputTokens, result.OutputTokens)
		actualTokens = int64(result.InputTokens + result.OutputTokens)

	case errors.Is(err, domain.ErrCircuitOpen):
		rec.Status = domain.StatusFailed
		rec.Reason = domain.ReasonCircuitOpen
		var openErr *domain.CircuitOpenError
		if errors.As(err, &openErr) {
			rec.RetryAfterMs = openErr.RetryAfter.Milliseconds()
		}

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller went away; the slot still comes back and the record
		// still lands in the ledger.
		rec.Status = domain.StatusFailed
		rec.Reason = domain.ReasonCancelled

	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = domain.StatusTimeout
		rec.Reason = domain.ReasonBackendTimeout
		metrics.BackendErrors.WithLabelValues(model.Provider, "timeout").Inc()

	default:
		rec.Status = domain.StatusFailed
		rec.Reason = domain.ReasonBackendError
		metrics.BackendErrors.WithLabelValues(model.Provider, "error").Inc()
		slog.Warn("backend invocation failed",
			"request_id", req.ID,
			"provider", model.Provider,
			"model", model.ID,
			"error", err,
		)
	}

	return d.finish(ctx, rec, start)
}

// validate checks request shape. Returns the resolved tier, or a rejection
// reason.
func (d *Dispatcher) validate(req domain.ExecutionRequest) (domain.Tier, string) {
	if req.CallerID == "" || req.Payload.Input == "" {
		return domain.Tier{}, domain.ReasonMalformed
	}
	tier, ok := d.tiers[req.Tier]
	if !ok {
		return domain.Tier{}, domain.ReasonMalformed
	}
	if req.ModelOverride != "" {
		if _, ok := d.selector.ByID(req.ModelOverride); !ok {
			return domain.Tier{}, domain.ReasonMalformed
		}
	}
	if tier.BYOK && req.BYOKCred == "" {
		return domain.Tier{}, domain.ReasonMalformed
	}
	return tier, ""
}

func (d *Dispatcher) pickModel(req domain.ExecutionRequest, sig selector.Signature) (domain.ModelDescriptor, error) {
	if req.ModelOverride != "" {
		m, ok := d.selector.ByID(req.ModelOverride)
		if !ok {
			return domain.ModelDescriptor{}, domain.ErrUnknownModel
		}
		return m, nil
	}

	return d.selector.Choose(sig, selector.Constraints{
		BudgetUSD:    req.BudgetUSD,
		MinQuality:   req.MinQuality,
		MaxLatencyMs: req.MaxLatencyMs,
	})
}

// finish stamps the duration, hands the record to the ledger, and emits
// metrics. The ledger write uses a detached context so a disconnected
// caller cannot abort accounting.
func (d *Dispatcher) finish(ctx context.Context, rec domain.ExecutionRecord, start time.Time) domain.ExecutionRecord {
	rec.DurationMs = time.Since(start).Milliseconds()

	d.ledger.Log(context.WithoutCancel(ctx), rec)

	metrics.ExecutionsTotal.WithLabelValues(rec.Tier, rec.Model, string(rec.Status)).Inc()
	if rec.Status == domain.StatusSuccess {
		metrics.ExecutionDuration.WithLabelValues(rec.Tier, rec.Model).Observe(float64(rec.DurationMs) / 1000)
		metrics.TokensTotal.WithLabelValues(rec.Tier, rec.Model, "input").Add(float64(rec.InputTokens))
		metrics.TokensTotal.WithLabelValues(rec.Tier, rec.Model, "output").Add(float64(rec.OutputTokens))
		metrics.CostTotal.WithLabelValues(rec.Tier, rec.Model).Add(rec.CostUSD)
	}

	slog.Info("execution finished",
		"request_id", rec.RequestID,
		"caller_id", rec.CallerID,
		"tier", rec.Tier,
		"model", rec.Model,
		"status", rec.Status,
		"reason", rec.Reason,
		"cost_usd", rec.CostUSD,
		"duration_ms", rec.DurationMs,
	)

	return rec
}
