package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used for alerts
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS limits subjects to 100 characters
const maxSubjectLen = 100

// SNSNotifier publishes alerts to a topic
type SNSNotifier struct {
	client   SNSAPI
	topicARN string
}

// NewSNSNotifier creates a notifier for topicARN
func NewSNSNotifier(client SNSAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

func (n *SNSNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject(alert)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"class": {DataType: aws.String("String"), StringValue: aws.String(classOrUnknown(alert.Class))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish alert for %s: %w", alert.ObjectPath, err)
	}
	return nil
}

// subject must be printable ASCII without newlines
func subject(alert Alert) string {
	b := []byte("KMS enforcement failed: " + alert.ObjectPath)
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	if len(b) > maxSubjectLen {
		return string(b[:maxSubjectLen-3]) + "..."
	}
	return string(b)
}

func classOrUnknown(class string) string {
	if class == "" {
		return "unknown"
	}
	return class
}
