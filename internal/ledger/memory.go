package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
)

// MemoryStore holds records in memory. Suitable for tests and single-node
// development; production uses PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]struct{}
	records []domain.ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Append(ctx context.Context, record domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.byID[record.RequestID]; seen {
		return nil
	}
	s.byID[record.RequestID] = struct{}{}
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.UsageSummary{CallerID: callerID, From: from, To: to}
	var successes int64

	for _, r := range s.records {
		if r.CallerID != callerID || r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		summary.Count++
		summary.TotalCost += r.CostUSD
		summary.TotalTokens += int64(r.InputTokens + r.OutputTokens)
		if r.Status == domain.StatusSuccess {
			successes++
		}
	}

	if summary.Count > 0 {
		summary.SuccessRate = float64(successes) / float64(summary.Count)
	}
	return summary, nil
}

func (s *MemoryStore) Records(ctx context.Context, callerID string, since time.Time) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.ExecutionRecord
	for _, r := range s.records {
		if r.CallerID == callerID && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

// All returns every stored record, for tests.
func (s *MemoryStore) All() []domain.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExecutionRecord, len(s.records))
	copy(result, s.records)
	return result
}
