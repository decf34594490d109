package domain

import "time"

// Tier is an immutable service plan. Loaded from the tier table at startup
// and referenced by every admission and billing decision.
type Tier struct {
	Name                 string  `yaml:"name"`
	RequestsPerMinute    int     `yaml:"requests_per_minute"`
	RequestsPerHour      int     `yaml:"requests_per_hour"`
	MaxConcurrent        int     `yaml:"max_concurrent"`
	MaxConcurrentBackend int     `yaml:"max_concurrent_per_backend"`
	TokensPerMinute      int64   `yaml:"tokens_per_minute"`
	MarkupPercent        float64 `yaml:"markup_percent"`
	BYOK                 bool    `yaml:"byok"`
	FlatFeeUSD           float64 `yaml:"flat_fee_usd"`
}

// ModelDescriptor is a read-only model registry entry. Pricing is expressed
// per 1K tokens; quality and speed are 0-10 scores.
type ModelDescriptor struct {
	ID          string  `yaml:"id"`
	Provider    string  `yaml:"provider"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
	Quality     int     `yaml:"quality"`
	Speed       int     `yaml:"speed"`
	MaxContext  int     `yaml:"max_context"`
}

// TaskPayload is the opaque-to-us task handed to a backend executor.
// The declared requirement flags feed the complexity estimator.
type TaskPayload struct {
	Input                string `json:"input"`
	RequiresReasoning    bool   `json:"requires_reasoning,omitempty"`
	RequiresHighFidelity bool   `json:"requires_high_fidelity,omitempty"`
	MaxOutputTokens      int    `json:"max_output_tokens,omitempty"`
}

// ExecutionRequest is one request to run a task. CallerID and Tier are
// trusted as given; the marketplace layer authenticates upstream.
type ExecutionRequest struct {
	ID            string      `json:"id"`
	CallerID      string      `json:"caller_id"`
	Tier          string      `json:"tier"`
	Payload       TaskPayload `json:"payload"`
	ModelOverride string      `json:"model,omitempty"`
	BudgetUSD     *float64    `json:"budget_usd,omitempty"`
	MinQuality    *int        `json:"min_quality,omitempty"`
	MaxLatencyMs  *int64      `json:"max_latency_ms,omitempty"`
	BYOKCred      string      `json:"-"`
}

type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusRejected Status = "rejected"
)

// Reasons carried on ExecutionRecord.Reason.
const (
	ReasonMalformed       = "malformed_request"
	ReasonRateLimited     = "rate_limit_exceeded"
	ReasonNoEligibleModel = "no_eligible_model"
	ReasonCircuitOpen     = "circuit_open"
	ReasonBackendTimeout  = "backend_timeout"
	ReasonBackendError    = "backend_error"
	ReasonCancelled       = "cancelled"
)

// ExecutionRecord is the immutable, billable outcome of one execution
// attempt. Exactly one terminal record is produced per attempted request;
// rejections still produce a zero-cost record.
type ExecutionRecord struct {
	RequestID    string    `json:"request_id"`
	CallerID     string    `json:"caller_id"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// UsageSummary is the aggregate of a caller's records over a period.
type UsageSummary struct {
	CallerID    string    `json:"caller_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Count       int64     `json:"count"`
	TotalCost   float64   `json:"total_cost_usd"`
	TotalTokens int64     `json:"total_tokens"`
	SuccessRate float64   `json:"success_rate"`
}
