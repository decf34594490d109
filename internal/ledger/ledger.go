// Package ledger is the sole source of truth for billing. Records are
// append-only and deduplicated by request id, so replaying a record never
// double-counts. The ledger is deliberately decoupled from the dispatch
// response path: a failed write degrades to delayed billing, never to
// blocked execution.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/metrics"
)

// Store persists execution records. Append must be idempotent on
// record.RequestID.
type Store interface {
	Append(ctx context.Context, record domain.ExecutionRecord) error
	Aggregate(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, error)
	Records(ctx context.Context, callerID string, since time.Time) ([]domain.ExecutionRecord, error)
}

// BillingSink receives finished records for delivery to the external
// metering system. Enqueue must not block the caller.
type BillingSink interface {
	Enqueue(record domain.ExecutionRecord)
}

// AlertFunc is called when a record could not be persisted after all
// retries. Losing a billing record is tolerated but must be alerted on.
type AlertFunc func(ctx context.Context, record domain.ExecutionRecord, err error)

type Option func(*Ledger)

func WithBillingSink(sink BillingSink) Option {
	return func(l *Ledger) { l.billing = sink }
}

func WithAlertFunc(fn AlertFunc) Option {
	return func(l *Ledger) { l.alert = fn }
}

func WithAggregateCache(cache AggregateCache) Option {
	return func(l *Ledger) { l.cache = cache }
}

// WithRetryPolicy overrides how many times and how eagerly a failed write
// is retried.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = maxRetries
		l.baseDelay = baseDelay
	}
}

// Ledger wraps a Store with asynchronous retry on write failure and
// fan-out to the billing sink.
type Ledger struct {
	store   Store
	billing BillingSink
	alert   AlertFunc
	cache   AggregateCache

	retries    chan retryItem
	maxRetries int
	baseDelay  time.Duration
	done       chan struct{}
}

type retryItem struct {
	record  domain.ExecutionRecord
	attempt int
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		retries:    make(chan retryItem, 1024),
		maxRetries: 5,
		baseDelay:  time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.retryLoop()
	return l
}

// Log persists a terminal record. Write failures never propagate: the
// record is queued for retry with backoff and the caller proceeds.
func (l *Ledger) Log(ctx context.Context, record domain.ExecutionRecord) {
	if err := l.store.Append(ctx, record); err != nil {
		slog.Error("ledger write failed, queueing retry",
			"request_id", record.RequestID,
			"caller_id", record.CallerID,
			"error", err,
		)
		metrics.LedgerWriteFailures.Inc()
		l.queueRetry(retryItem{record: record, attempt: 1})
	}

	if l.billing != nil {
		l.billing.Enqueue(record)
	}
}

// Aggregate summarizes a caller's usage over [from, to). Results may be
// served from the aggregate cache when one is configured.
func (l *Ledger) Aggregate(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, error) {
	if l.cache != nil {
		if summary, ok := l.cache.Get(ctx, callerID, from, to); ok {
			return summary, nil
		}
	}

	summary, err := l.store.Aggregate(ctx, callerID, from, to)
	if err != nil {
		return domain.UsageSummary{}, err
	}

	if l.cache != nil {
		l.cache.Set(ctx, summary)
	}
	return summary, nil
}

// Records returns a caller's raw records since a point in time.
func (l *Ledger) Records(ctx context.Context, callerID string, since time.Time) ([]domain.ExecutionRecord, error) {
	return l.store.Records(ctx, callerID, since)
}

// errRetryQueueFull marks records abandoned because the retry queue itself
// overflowed, not because their retries ran out.
var errRetryQueueFull = errors.New("ledger retry queue full")

func (l *Ledger) queueRetry(item retryItem) {
	select {
	case l.retries <- item:
	default:
		// Retry queue full; treat as exhausted rather than blocking dispatch.
		l.giveUp(item.record, errRetryQueueFull)
	}
}

func (l *Ledger) retryLoop() {
	for {
		select {
		case item := <-l.retries:
			delay := l.baseDelay << (item.attempt - 1)
			select {
			case <-time.After(delay):
			case <-l.done:
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := l.store.Append(ctx, item.record)
			cancel()

			if err == nil {
				slog.Info("ledger retry succeeded",
					"request_id", item.record.RequestID,
					"attempt", item.attempt,
				)
				continue
			}

			if item.attempt >= l.maxRetries {
				l.giveUp(item.record, err)
				continue
			}
			l.queueRetry(retryItem{record: item.record, attempt: item.attempt + 1})

		case <-l.done:
			return
		}
	}
}

func (l *Ledger) giveUp(record domain.ExecutionRecord, err error) {
	slog.Error("ledger write abandoned after retries",
		"request_id", record.RequestID,
		"caller_id", record.CallerID,
		"error", err,
	)
	metrics.LedgerWritesAbandoned.Inc()
	if l.alert != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		l.alert(ctx, record, err)
	}
}

// Close stops the retry worker. Queued retries are dropped; the alert path
// has already fired for anything past its attempts.
func (l *Ledger) Close() {
	close(l.done)
}
