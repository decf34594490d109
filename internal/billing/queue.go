// Package billing delivers execution records to the external metering
// system. Delivery is fire-and-forget from the dispatcher's perspective but
// retried here until acknowledged; the queue is bounded so a slow metering
// system applies backpressure by dropping delivery (with an alert), never by
// blocking execution.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/metrics"
)

// Publisher is the transport to the metering system.
type Publisher interface {
	Publish(ctx context.Context, batch []domain.ExecutionRecord) error
}

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	BaseDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		MaxRetries:    5,
		BaseDelay:     time.Second,
	}
}

// Queue batches records and ships them through the Publisher on a
// background worker. Implements ledger.BillingSink.
type Queue struct {
	publisher Publisher
	config    Config
	incoming  chan domain.ExecutionRecord
	done      chan struct{}
	drained   chan struct{}
}

func NewQueue(publisher Publisher, cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}
	q := &Queue{
		publisher: publisher,
		config:    cfg,
		incoming:  make(chan domain.ExecutionRecord, cfg.QueueSize),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue hands a record to the delivery worker. Never blocks: when the
// queue is full the record is dropped and alerted on, because stalling the
// dispatch path is worse than delayed billing.
func (q *Queue) Enqueue(record domain.ExecutionRecord) {
	select {
	case q.incoming <- record:
		metrics.BillingQueueDepth.Set(float64(len(q.incoming)))
	default:
		slog.Error("billing queue full, dropping record",
			"request_id", record.RequestID,
			"caller_id", record.CallerID,
		)
		metrics.BillingRecordsDropped.Inc()
	}
}

func (q *Queue) run() {
	defer close(q.drained)

	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.ExecutionRecord, 0, q.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case record := <-q.incoming:
			batch = append(batch, record)
			if len(batch) >= q.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-q.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case record := <-q.incoming:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(batch []domain.ExecutionRecord) {
	delay := q.config.BaseDelay

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := q.publisher.Publish(ctx, batch)
		cancel()

		if err == nil {
			metrics.BillingRecordsDelivered.Add(float64(len(batch)))
			return
		}

		slog.Warn("billing delivery failed",
			"attempt", attempt,
			"batch_size", len(batch),
			"error", err,
		)

		if attempt >= q.config.MaxRetries {
			slog.Error("billing delivery abandoned", "batch_size", len(batch))
			metrics.BillingRecordsDropped.Add(float64(len(batch)))
			return
		}

		time.Sleep(delay)
		delay *= 2
	}
}

// Close stops the worker after draining queued records.
func (q *Queue) Close() {
	close(q.done)
	select {
	case <-q.drained:
	case <-time.After(30 * time.Second):
		slog.Warn("billing queue drain timed out")
	}
}
