package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// SQSAPI is the subset of the SQS client the consumer uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Handler processes one received batch and returns the ids of messages
// that must stay on the queue for redelivery
type Handler interface {
	Handle(ctx context.Context, messages []Message) []string
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, messages []Message) []string

func (f HandlerFunc) Handle(ctx context.Context, messages []Message) []string {
	return f(ctx, messages)
}

// ConsumerConfig configures the long-poll loop
type ConsumerConfig struct {
	QueueURL          string
	WaitTime          time.Duration
	MaxMessages       int32
	VisibilityTimeout time.Duration
}

// SQS caps receive and delete batches at 10
const maxBatch = 10

// Consumer long-polls a queue and acknowledges what the handler finished
type Consumer struct {
	client  SQSAPI
	handler Handler
	config  ConsumerConfig
	logger  zerolog.Logger
}

// NewConsumer creates a consumer
func NewConsumer(client SQSAPI, handler Handler, config ConsumerConfig, logger zerolog.Logger) *Consumer {
	if config.MaxMessages <= 0 || config.MaxMessages > maxBatch {
		config.MaxMessages = maxBatch
	}
	if config.WaitTime < 0 || config.WaitTime > 20*time.Second {
		config.WaitTime = 20 * time.Second
	}
	return &Consumer{
		client:  client,
		handler: handler,
		config:  config,
		logger:  logger.With().Str("component", "consumer").Str("queue", config.QueueURL).Logger(),
	}
}

// Run polls until ctx is cancelled. Receive failures back off and retry.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	c.logger.Info().Msg("consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("consumer stopped")
			return nil
		}

		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if n > 0 {
			c.logger.Debug().Int("messages", n).Msg("batch handled")
		}
	}
}

// Poll receives one batch, hands it to the handler and deletes the
// messages the handler did not ask to keep. It returns the batch size.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     int32(c.config.WaitTime / time.Second),
		VisibilityTimeout:   int32(c.config.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", c.config.QueueURL, err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, messageFromAttributes(
			aws.ToString(m.MessageId), aws.ToString(m.ReceiptHandle), aws.ToString(m.Body), m.Attributes))
	}

	keep := make(map[string]bool)
	for _, id := range c.handler.Handle(ctx, messages) {
		keep[id] = true
	}

	var done []Message
	for _, m := range messages {
		if !keep[m.ID] {
			done = append(done, m)
		}
	}

	// Acknowledge even if the poll context is ending
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.delete(ackCtx, done); err != nil {
		c.logger.Error().Err(err).Msg("failed to delete handled messages")
	}
	return len(messages), nil
}

func (c *Consumer) delete(ctx context.Context, messages []Message) error {
	var errs []error
	for start := 0; start < len(messages); start += maxBatch {
		end := min(start+maxBatch, len(messages))

		entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, m := range messages[start:end] {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			})
		}

		out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range out.Failed {
			errs = append(errs, fmt.Errorf("delete entry %s: %s", aws.ToString(f.Id), aws.ToString(f.Message)))
		}
	}
	return errors.Join(errs...)
}
