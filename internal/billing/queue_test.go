package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
)

type capturePublisher struct {
	mu       sync.Mutex
	batches  [][]domain.ExecutionRecord
	failures int
	attempts int
}

func (p *capturePublisher) Publish(ctx context.Context, batch []domain.ExecutionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.attempts <= p.failures {
		return errors.New("metering unavailable")
	}

	copied := make([]domain.ExecutionRecord, len(batch))
	copy(copied, batch)
	p.batches = append(p.batches, copied)
	return nil
}

func (p *capturePublisher) delivered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, b := range p.batches {
		total += len(b)
	}
	return total
}

func testQueueConfig() Config {
	return Config{
		QueueSize:     100,
		BatchSize:     10,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
	}
}

func rec(id string) domain.ExecutionRecord {
	return domain.ExecutionRecord{RequestID: id, CallerID: "caller1", Status: domain.StatusSuccess}
}

func TestQueue_DeliversOnFlushInterval(t *testing.T) {
	pub := &capturePublisher{}
	q := NewQueue(pub, testQueueConfig())
	defer q.Close()

	q.Enqueue(rec("req-1"))
	q.Enqueue(rec("req-2"))

	deadline := time.After(2 * time.Second)
	for pub.delivered() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 delivered, got %d", pub.delivered())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueue_DeliversFullBatchImmediately(t *testing.T) {
	cfg := testQueueConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = time.Hour // only batch-size can trigger delivery

	pub := &capturePublisher{}
	q := NewQueue(pub, cfg)
	defer q.Close()

	q.Enqueue(rec("req-1"))
	q.Enqueue(rec("req-2"))
	q.Enqueue(rec("req-3"))

	deadline := time.After(2 * time.Second)
	for pub.delivered() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected full batch delivered, got %d", pub.delivered())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueue_RetriesUntilAcknowledged(t *testing.T) {
	pub := &capturePublisher{failures: 2}
	q := NewQueue(pub, testQueueConfig())
	defer q.Close()

	q.Enqueue(rec("req-1"))

	deadline := time.After(2 * time.Second)
	for pub.delivered() < 1 {
		select {
		case <-deadline:
			t.Fatal("record never delivered through retries")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueue_CloseDrainsQueued(t *testing.T) {
	cfg := testQueueConfig()
	cfg.FlushInterval = time.Hour

	pub := &capturePublisher{}
	q := NewQueue(pub, cfg)

	q.Enqueue(rec("req-1"))
	q.Enqueue(rec("req-2"))
	q.Close()

	if got := pub.delivered(); got != 2 {
		t.Errorf("expected drain on close to deliver 2, got %d", got)
	}
}
