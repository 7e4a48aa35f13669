// Package queue turns S3 event notifications delivered through SQS into
// write events and runs the long-polling consumer loop.
package queue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Message is one queue delivery, possibly carrying several S3 records
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
	SentAt        time.Time
}

// Events decodes the message body and stamps delivery metadata on each event
func (m Message) Events() ([]types.WriteEvent, error) {
	events, err := ParseBody(m.Body)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID, err)
	}
	for i := range events {
		events[i].MessageID = m.ID
		events[i].ReceiveCount = m.ReceiveCount
	}
	return events, nil
}

type notification struct {
	Records []record `json:"Records"`
	// Set on the s3:TestEvent sent when notifications are configured
	Event string `json:"Event,omitempty"`
}

type record struct {
	EventSource string    `json:"eventSource"`
	EventName   string    `json:"eventName"`
	EventTime   time.Time `json:"eventTime"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      int64  `json:"size"`
			VersionID string `json:"versionId"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

// ParseBody decodes an S3 event notification, raw or wrapped in an SNS
// envelope. Test events and records without an object key yield no events.
// Only object-created records are returned.
func ParseBody(body string) ([]types.WriteEvent, error) {
	payload := []byte(body)

	var envelope snsEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		payload = []byte(envelope.Message)
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: body is not an S3 event notification: %v", types.ErrInvalidInput, err)
	}

	events := make([]types.WriteEvent, 0, len(n.Records))
	for _, r := range n.Records {
		if r.S3.Object.Key == "" || r.S3.Bucket.Name == "" {
			continue
		}
		if r.EventName != "" && !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}

		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable object key %q: %v", types.ErrInvalidInput, r.S3.Object.Key, err)
		}

		events = append(events, types.WriteEvent{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			VersionID: r.S3.Object.VersionID,
			EventTime: r.EventTime,
			EventName: r.EventName,
			Sequencer: r.S3.Object.Sequencer,
			Size:      r.S3.Object.Size,
		})
	}
	return events, nil
}

// IsTestEvent reports whether body is the s3:TestEvent S3 sends on setup
func IsTestEvent(body string) bool {
	var n notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return false
	}
	return n.Event == "s3:TestEvent"
}

// LambdaEvent is the SQS batch an event-source mapping hands to a function
type LambdaEvent struct {
	Records []LambdaRecord `json:"Records"`
}

// LambdaRecord is one SQS message inside a LambdaEvent
type LambdaRecord struct {
	MessageID     string            `json:"messageId"`
	ReceiptHandle string            `json:"receiptHandle"`
	Body          string            `json:"body"`
	Attributes    map[string]string `json:"attributes"`
}

// ParseLambdaEvent decodes an SQS batch in the Lambda event shape
func ParseLambdaEvent(data []byte) ([]Message, error) {
	var ev LambdaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: not an SQS batch: %v", types.ErrInvalidInput, err)
	}

	messages := make([]Message, 0, len(ev.Records))
	for _, r := range ev.Records {
		messages = append(messages, messageFromAttributes(r.MessageID, r.ReceiptHandle, r.Body, r.Attributes))
	}
	return messages, nil
}

func messageFromAttributes(id, receipt, body string, attrs map[string]string) Message {
	m := Message{ID: id, ReceiptHandle: receipt, Body: body, ReceiveCount: 1}
	if n, err := strconv.Atoi(attrs["ApproximateReceiveCount"]); err == nil && n > 0 {
		m.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(attrs["SentTimestamp"], 10, 64); err == nil {
		m.SentAt = time.UnixMilli(ms).UTC()
	}
	return m
}
