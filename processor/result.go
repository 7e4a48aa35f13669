package processor

import (
	"time"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Status is the fate of one item in a batch
type Status string

const (
	// StatusSuccess acknowledges the item, including benign no-ops
	StatusSuccess Status = "success"
	// StatusRetry leaves the message on the queue for redelivery
	StatusRetry Status = "retry"
	// StatusPermanent acknowledges the item after alerting an operator
	StatusPermanent Status = "permanent"
)

// Batch statuses
const (
	BatchSuccess        = "success"
	BatchPartialFailure = "partial_failure"
)

// ItemResult is what happened to one write event, or to a message whose
// body could not be decoded into events
type ItemResult struct {
	MessageID  string
	ObjectPath string
	Status     Status
	Code       types.ReasonCode
	Class      types.Class
	Err        error
	Escalated  bool
	Alerted    bool
	Duration   time.Duration
}

// BatchResult collects item results in message order
type BatchResult struct {
	Messages int
	Items    []ItemResult
}

// FailedIDs lists each message with at least one item to retry, once,
// in the order the messages arrived
func (b BatchResult) FailedIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range b.Items {
		if item.Status != StatusRetry || seen[item.MessageID] {
			continue
		}
		seen[item.MessageID] = true
		ids = append(ids, item.MessageID)
	}
	return ids
}

// Status is success when nothing needs redelivery
func (b BatchResult) Status() string {
	if len(b.FailedIDs()) > 0 {
		return BatchPartialFailure
	}
	return BatchSuccess
}

// Count returns how many items ended with status s
func (b BatchResult) Count(s Status) int {
	n := 0
	for _, item := range b.Items {
		if item.Status == s {
			n++
		}
	}
	return n
}

// ItemFailure names one message to redeliver
type ItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// Response is the partial batch response of an SQS-triggered function
type Response struct {
	BatchItemFailures []ItemFailure `json:"batchItemFailures"`
	StatusCode        int           `json:"statusCode"`
}

// Response renders the batch as a partial batch response
func (b BatchResult) Response() Response {
	resp := Response{BatchItemFailures: []ItemFailure{}, StatusCode: 200}
	for _, id := range b.FailedIDs() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, ItemFailure{ItemIdentifier: id})
	}
	if len(resp.BatchItemFailures) > 0 {
		resp.StatusCode = 500
	}
	return resp
}
