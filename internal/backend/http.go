package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/fmarinho/agentgov/internal/httputil"
)

// HTTPInvoker executes tasks against an OpenAI-compatible chat completions
// endpoint. Covers both hosted providers (with an API key) and local ones
// like Ollama (without).
type HTTPInvoker struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTP(id, baseURL, apiKey string) *HTTPInvoker {
	return &HTTPInvoker{
		id:      id,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httputil.DefaultClient(),
	}
}

func (b *HTTPInvoker) ID() string {
	return b.id
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (b *HTTPInvoker) Invoke(ctx context.Context, modelID string, payload domain.TaskPayload, cred string) (*Invocation, error) {
	body, err := json.Marshal(chatRequest{
		Model:     modelID,
		Messages:  []chatMessage{{Role: "user", Content: payload.Input}},
		MaxTokens: payload.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	apiKey := b.apiKey
	if cred != "" {
		apiKey = cred
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrBackendError, b.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		// 5xx and 429 are provider health problems; other 4xx means the
		// task itself was bad and must not trip the circuit.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s: status=%d body=%s", domain.ErrBackendError, b.id, resp.StatusCode, bodyBytes)
		}
		return nil, fmt.Errorf("%w: %s: status=%d body=%s", domain.ErrInvalidRequest, b.id, resp.StatusCode, bodyBytes)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", domain.ErrBackendError, b.id, err)
	}

	output := ""
	if len(chatResp.Choices) > 0 {
		output = chatResp.Choices[0].Message.Content
	}

	return &Invocation{
		Output:       output,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}, nil
}
