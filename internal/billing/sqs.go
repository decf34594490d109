package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/fmarinho/agentgov/internal/domain"
)

// batchEnvelope is the wire format consumed by the metering system.
type batchEnvelope struct {
	Records []domain.ExecutionRecord `json:"records"`
	SentAt  time.Time                `json:"sent_at"`
}

// SQSPublisher delivers record batches to the billing SQS queue.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, batch []domain.ExecutionRecord) error {
	body, err := json.Marshal(batchEnvelope{Records: batch, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal billing batch: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"BatchSize": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(fmt.Sprintf("%d", len(batch))),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send billing batch: %w", err)
	}
	return nil
}
