// internal/common/aws/sns.go
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"sheetbridge/internal/models"
)

// maxPayloadPreview bounds the row payload copied into a notification.
const maxPayloadPreview = 2048

// Publisher is the subset of the SNS API used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient publishes dead-letter notifications to one topic.
type SNSClient struct {
	client   Publisher
	topicARN string
}

func NewSNSClient(ctx context.Context, region, topicARN string) (*SNSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSClientWithPublisher(sns.NewFromConfig(cfg), topicARN), nil
}

func NewSNSClientWithPublisher(p Publisher, topicARN string) *SNSClient {
	return &SNSClient{client: p, topicARN: topicARN}
}

type deadLetterMessage struct {
	ID        int64           `json:"id"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"data,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// NotifyDeadLetter publishes a summary of entry. Large payloads are left out
// and flagged as truncated.
func (s *SNSClient) NotifyDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	msg := deadLetterMessage{
		ID:        entry.ID,
		Reason:    entry.Reason,
		CreatedAt: entry.CreatedAt,
	}
	if len(entry.Payload) <= maxPayloadPreview {
		msg.Payload = entry.Payload
	} else {
		msg.Truncated = true
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dead letter notification: %w", err)
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: awssdk.String(s.topicARN),
		Subject:  awssdk.String("sheetbridge dead letter"),
		Message:  awssdk.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {
				DataType:    awssdk.String("String"),
				StringValue: awssdk.String(entry.Reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("publish dead letter %d: %w", entry.ID, err)
	}
	return nil
}
