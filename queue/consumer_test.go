package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQSClient struct {
	mu                     sync.Mutex
	ReceiveMessageFunc     func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatchFunc func(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	deleted                []string
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return m.ReceiveMessageFunc(ctx, params, optFns...)
}

func (m *mockSQSClient) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	m.mu.Lock()
	for _, e := range params.Entries {
		m.deleted = append(m.deleted, aws.ToString(e.ReceiptHandle))
	}
	m.mu.Unlock()
	if m.DeleteMessageBatchFunc != nil {
		return m.DeleteMessageBatchFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (m *mockSQSClient) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func sqsMessage(id string, receiveCount int) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(putNotification),
		Attributes:    map[string]string{"ApproximateReceiveCount": fmt.Sprint(receiveCount)},
	}
}

func TestConsumer_PollDeletesHandledMessages(t *testing.T) {
	var received *sqs.ReceiveMessageInput
	mock := &mockSQSClient{
		ReceiveMessageFunc: func(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			received = params
			return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{sqsMessage("a", 1), sqsMessage("b", 2)}}, nil
		},
	}

	var got []Message
	handler := HandlerFunc(func(_ context.Context, messages []Message) []string {
		got = messages
		return []string{"b"}
	})

	c := NewConsumer(mock, handler, ConsumerConfig{QueueURL: "https://sqs/q", WaitTime: 5 * time.Second, MaxMessages: 50}, zerolog.Nop())
	n, err := c.Poll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(10), received.MaxNumberOfMessages, "clamped to the SQS maximum")
	assert.Equal(t, int32(5), received.WaitTimeSeconds)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].ReceiveCount)
	assert.Equal(t, []string{"rh-a"}, mock.deletedHandles(), "retried messages stay on the queue")
}

func TestConsumer_DeleteChunks(t *testing.T) {
	var msgs []sqstypes.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, sqsMessage(fmt.Sprint(i), 1))
	}
	batches := 0
	mock := &mockSQSClient{
		ReceiveMessageFunc: func(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
		},
		DeleteMessageBatchFunc: func(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			batches++
			assert.LessOrEqual(t, len(params.Entries), 10)
			return &sqs.DeleteMessageBatchOutput{}, nil
		},
	}

	c := NewConsumer(mock, HandlerFunc(func(context.Context, []Message) []string { return nil }), ConsumerConfig{QueueURL: "q"}, zerolog.Nop())
	_, err := c.Poll(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.Len(t, mock.deletedHandles(), 10)
}

func TestConsumer_PollEmpty(t *testing.T) {
	mock := &mockSQSClient{
		ReceiveMessageFunc: func(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return &sqs.ReceiveMessageOutput{}, nil
		},
	}
	called := false
	c := NewConsumer(mock, HandlerFunc(func(context.Context, []Message) []string {
		called = true
		return nil
	}), ConsumerConfig{QueueURL: "q"}, zerolog.Nop())

	n, err := c.Poll(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, called)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	mock := &mockSQSClient{
		ReceiveMessageFunc: func(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset")
			}
			cancel()
			return nil, ctx.Err()
		},
	}

	c := NewConsumer(mock, HandlerFunc(func(context.Context, []Message) []string { return nil }), ConsumerConfig{QueueURL: "q"}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 2, calls)
}
