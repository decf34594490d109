// Package backend defines the boundary to task executors. Every backend is
// opaque and interchangeable behind Invoke; the governance core neither
// knows nor cares how an agent produces its output.
package backend

import (
	"context"

	"github.com/fmarinho/agentgov/internal/domain"
)

// Invocation is the result of one backend call. Token counts come from the
// provider's own accounting and are the basis for billing.
type Invocation struct {
	Output       string
	InputTokens  int
	OutputTokens int
}

// Invoker executes a task against one provider. Implementations must honor
// context cancellation; the dispatcher enforces the timeout. cred carries a
// BYOK caller's own provider credential and is empty for platform-billed
// tiers.
type Invoker interface {
	ID() string
	Invoke(ctx context.Context, modelID string, payload domain.TaskPayload, cred string) (*Invocation, error)
}
