package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// DynamoDBAPI defines the DynamoDB operations used by the audit store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore writes records to the log table: partition s3_object_path,
// sort current_timestamp_utc
type DynamoStore struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoStore creates a store over table
func NewDynamoStore(client DynamoDBAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Name() string {
	return "dynamodb"
}

// Sort keys have millisecond resolution; records for the same object in the
// same millisecond move to the next free one.
const maxTimestampCollisions = 5

// Put writes one record without ever replacing an existing one
func (s *DynamoStore) Put(ctx context.Context, rec types.DecisionRecord) error {
	var err error
	for range maxTimestampCollisions {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                recordItem(rec),
			ConditionExpression: aws.String("attribute_not_exists(s3_object_path)"),
		})
		if err == nil {
			return nil
		}
		if awserr.Code(err) != "ConditionalCheckFailedException" {
			break
		}
		rec.Timestamp = rec.Timestamp.Add(time.Millisecond)
	}
	wrapped := fmt.Errorf("put into %s: %w", s.table, err)
	if awserr.IsTransient(err) {
		return wrapped
	}
	return types.Permanent(wrapped)
}

func recordItem(rec types.DecisionRecord) map[string]ddbtypes.AttributeValue {
	str := func(v string) ddbtypes.AttributeValue {
		return &ddbtypes.AttributeValueMemberS{Value: types.NoneIfEmpty(v)}
	}

	item := map[string]ddbtypes.AttributeValue{
		"s3_object_path":        str(rec.ObjectPath),
		"current_timestamp_utc": str(rec.TimestampString()),
		"current_sse_type":      str(rec.CurrentSSEType),
		"current_kms_key_arn":   str(rec.CurrentKMSKeyARN),
		"new_sse_type":          str(rec.NewSSEType),
		"new_kms_key_arn":       str(rec.NewKMSKeyARN),
		"action_taken":          str(rec.ActionTaken),
		"action_reason":         str(rec.ActionReason),
	}

	optional := map[string]string{
		"reason_code":        rec.ReasonCode,
		"new_version_id":     rec.NewVersionID,
		"deleted_version_id": rec.DeletedVersionID,
		"error":              rec.Error,
	}
	for name, v := range optional {
		if v != "" {
			item[name] = str(v)
		}
	}
	return item
}
