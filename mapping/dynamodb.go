package mapping

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// DynamoDBAPI defines the DynamoDB operations used by the mapping store.
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Mapping table attribute names
const (
	attrBucket    = "bucket_name"
	attrPrefix    = "prefix"
	attrKMSKeyARN = "kms_key_arn"
	attrDualLayer = "dual_layer_encryption"
)

// DynamoStore reads the mapping table: partition key bucket_name, sort key prefix
type DynamoStore struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoStore creates a store over table
func NewDynamoStore(client DynamoDBAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Candidates queries prefixes <= key in descending order. Results come back
// most specific first, so paging stops after the first page holding a match.
// Only rows whose prefix matches key are decoded; an unrelated malformed row
// does not affect resolution.
func (s *DynamoStore) Candidates(ctx context.Context, bucket, key string) ([]types.PrefixPolicy, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("bucket_name = :bucket_name AND prefix <= :object_name"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":bucket_name": &ddbtypes.AttributeValueMemberS{Value: bucket},
			":object_name": &ddbtypes.AttributeValueMemberS{Value: key},
		},
		ScanIndexForward: aws.Bool(false),
		Select:           ddbtypes.SelectAllAttributes,
	}

	var out []types.PrefixPolicy
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classifyQueryError(s.table, err)
		}

		matched := false
		for _, item := range page.Items {
			prefix, ok := item[attrPrefix].(*ddbtypes.AttributeValueMemberS)
			if !ok || !strings.HasPrefix(key, prefix.Value) {
				continue
			}
			p, err := policyFromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			matched = true
		}

		if matched || len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// Policies returns every prefix configured for bucket
func (s *DynamoStore) Policies(ctx context.Context, bucket string) ([]types.PrefixPolicy, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("bucket_name = :bucket_name"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":bucket_name": &ddbtypes.AttributeValueMemberS{Value: bucket},
		},
	}

	var out []types.PrefixPolicy
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classifyQueryError(s.table, err)
		}
		for _, item := range page.Items {
			p, err := policyFromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func classifyQueryError(table string, err error) error {
	wrapped := fmt.Errorf("%w: query %s: %v", types.ErrMappingStoreUnavailable, table, err)
	if awserr.IsTransient(err) {
		return wrapped
	}
	// Missing table or denied access will not fix itself on retry
	return types.Permanent(wrapped)
}

func policyFromItem(item map[string]ddbtypes.AttributeValue) (types.PrefixPolicy, error) {
	var p types.PrefixPolicy

	bucket, ok := item[attrBucket].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return p, fmt.Errorf("%w: mapping item missing %s", types.ErrInvalidInput, attrBucket)
	}
	prefix, ok := item[attrPrefix].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return p, fmt.Errorf("%w: mapping item missing %s", types.ErrInvalidInput, attrPrefix)
	}
	p.Bucket = bucket.Value
	p.Prefix = prefix.Value

	if key, ok := item[attrKMSKeyARN].(*ddbtypes.AttributeValueMemberS); ok {
		p.KMSKeyARN = key.Value
	}

	switch v := item[attrDualLayer].(type) {
	case *ddbtypes.AttributeValueMemberBOOL:
		p.DualLayer = v.Value
	case *ddbtypes.AttributeValueMemberS:
		p.DualLayer = v.Value == "true"
	}

	if err := p.Validate(); err != nil {
		return p, types.Permanent(err)
	}
	return p, nil
}
