package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/fmarinho/agentgov/internal/domain"
)

// BedrockInvoker executes tasks through Amazon Bedrock. Authentication is
// the process's AWS credentials; BYOK credentials are not supported for
// this backend and the cred argument is ignored.
type BedrockInvoker struct {
	client *bedrockruntime.Client
}

func NewBedrock(ctx context.Context, region string) (*BedrockInvoker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockInvoker{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func NewBedrockWithConfig(cfg aws.Config) *BedrockInvoker {
	return &BedrockInvoker{client: bedrockruntime.NewFromConfig(cfg)}
}

func (b *BedrockInvoker) ID() string {
	return "bedrock"
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// bedrockModelIDs maps registry ids to Bedrock model identifiers.
var bedrockModelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
}

func (b *BedrockInvoker) Invoke(ctx context.Context, modelID string, payload domain.TaskPayload, cred string) (*Invocation, error) {
	maxTokens := payload.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         []bedrockMessage{{Role: "user", Content: payload.Input}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resolved := modelID
	if mapped, ok := bedrockModelIDs[modelID]; ok {
		resolved = mapped
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(resolved),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	result, err := b.client.InvokeModel(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: bedrock: %v", domain.ErrBackendError, err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: bedrock: decode response: %v", domain.ErrBackendError, err)
	}

	output := ""
	if len(resp.Content) > 0 {
		output = resp.Content[0].Text
	}

	return &Invocation{
		Output:       output,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
