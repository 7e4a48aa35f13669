package mapping

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

type mockDynamoDBClient struct {
	QueryFunc func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, params, optFns...)
}

func mappingItem(bucket, prefix, key string, dual ddbtypes.AttributeValue) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		"bucket_name": &ddbtypes.AttributeValueMemberS{Value: bucket},
		"prefix":      &ddbtypes.AttributeValueMemberS{Value: prefix},
		"kms_key_arn": &ddbtypes.AttributeValueMemberS{Value: key},
	}
	if dual != nil {
		item["dual_layer_encryption"] = dual
	}
	return item
}

func TestDynamoStore_Candidates(t *testing.T) {
	var captured *dynamodb.QueryInput
	mock := &mockDynamoDBClient{
		QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = params
			return &dynamodb.QueryOutput{
				Items: []map[string]ddbtypes.AttributeValue{
					mappingItem("b", "prefix1/bba", "K-bba", &ddbtypes.AttributeValueMemberBOOL{Value: false}),
					mappingItem("b", "prefix1/bb", "K-bb", &ddbtypes.AttributeValueMemberBOOL{Value: true}),
				},
			}, nil
		},
	}

	store := NewDynamoStore(mock, "mapping")
	candidates, err := store.Candidates(context.Background(), "b", "prefix1/bbcdef.txt")

	require.NoError(t, err)
	require.Len(t, candidates, 1, "prefix1/bba does not match and is skipped")
	assert.Equal(t, "prefix1/bb", candidates[0].Prefix)
	assert.True(t, candidates[0].DualLayer)

	require.NotNil(t, captured)
	assert.Equal(t, "mapping", aws.ToString(captured.TableName))
	assert.Equal(t, "bucket_name = :bucket_name AND prefix <= :object_name", aws.ToString(captured.KeyConditionExpression))
	assert.False(t, aws.ToBool(captured.ScanIndexForward))
	assert.Equal(t, "prefix1/bbcdef.txt", captured.ExpressionAttributeValues[":object_name"].(*ddbtypes.AttributeValueMemberS).Value)
}

func TestDynamoStore_PaginatesUntilMatch(t *testing.T) {
	calls := 0
	mock := &mockDynamoDBClient{
		QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			calls++
			switch calls {
			case 1:
				assert.Nil(t, params.ExclusiveStartKey)
				return &dynamodb.QueryOutput{
					Items:            []map[string]ddbtypes.AttributeValue{mappingItem("b", "p/zz", "K1", nil)},
					LastEvaluatedKey: map[string]ddbtypes.AttributeValue{"prefix": &ddbtypes.AttributeValueMemberS{Value: "p/zz"}},
				}, nil
			case 2:
				assert.NotNil(t, params.ExclusiveStartKey)
				return &dynamodb.QueryOutput{
					Items:            []map[string]ddbtypes.AttributeValue{mappingItem("b", "p/", "K2", &ddbtypes.AttributeValueMemberS{Value: "true"})},
					LastEvaluatedKey: map[string]ddbtypes.AttributeValue{"prefix": &ddbtypes.AttributeValueMemberS{Value: "p/"}},
				}, nil
			default:
				t.Fatal("query should stop after the page holding a match")
				return nil, nil
			}
		},
	}

	store := NewDynamoStore(mock, "mapping")
	candidates, err := store.Candidates(context.Background(), "b", "p/a")

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	best, err := LongestMatch(candidates, "p/a")
	require.NoError(t, err)
	assert.Equal(t, "K2", best.KMSKeyARN)
	assert.True(t, best.DualLayer)
}

func TestDynamoStore_UnrelatedMalformedRowIgnored(t *testing.T) {
	mock := &mockDynamoDBClient{
		QueryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{
				Items: []map[string]ddbtypes.AttributeValue{
					mappingItem("b", "p2/", "K2", nil),
					mappingItem("b", "p1/legacy", "", nil),
				},
			}, nil
		},
	}

	resolver := NewResolver(NewDynamoStore(mock, "mapping"), zerolog.Nop())
	policy, err := resolver.Resolve(context.Background(), "b", "p2/a.txt")

	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, "K2", policy.KMSKeyARN)
}

func TestDynamoStore_MalformedMatchingRowFails(t *testing.T) {
	mock := &mockDynamoDBClient{
		QueryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{
				Items: []map[string]ddbtypes.AttributeValue{mappingItem("b", "p1/", "", nil)},
			}, nil
		},
	}

	_, err := NewDynamoStore(mock, "mapping").Candidates(context.Background(), "b", "p1/a.txt")

	require.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, types.ClassPermanent, types.Classify(err))
}

func TestDynamoStore_ErrorClassification(t *testing.T) {
	throttled := &mockDynamoDBClient{
		QueryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Fault: smithy.FaultClient}
		},
	}
	_, err := NewDynamoStore(throttled, "mapping").Candidates(context.Background(), "b", "k")
	require.ErrorIs(t, err, types.ErrMappingStoreUnavailable)
	assert.Equal(t, types.ClassTransient, types.Classify(err))

	missing := &mockDynamoDBClient{
		QueryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Fault: smithy.FaultClient}
		},
	}
	_, err = NewDynamoStore(missing, "mapping").Candidates(context.Background(), "b", "k")
	require.ErrorIs(t, err, types.ErrMappingStoreUnavailable)
	assert.Equal(t, types.ClassPermanent, types.Classify(err))
}

func TestDynamoStore_Policies(t *testing.T) {
	mock := &mockDynamoDBClient{
		QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			assert.Equal(t, "bucket_name = :bucket_name", aws.ToString(params.KeyConditionExpression))
			return &dynamodb.QueryOutput{
				Items: []map[string]ddbtypes.AttributeValue{
					mappingItem("b", "p1", "K1", nil),
					mappingItem("b", "p3", "K3", &ddbtypes.AttributeValueMemberBOOL{Value: true}),
				},
			}, nil
		},
	}

	policies, err := NewDynamoStore(mock, "mapping").Policies(context.Background(), "b")

	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "K3", policies[1].KMSKeyARN)
}

func TestPolicyFromItem_Malformed(t *testing.T) {
	_, err := policyFromItem(map[string]ddbtypes.AttributeValue{
		"prefix": &ddbtypes.AttributeValueMemberS{Value: "p"},
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = policyFromItem(map[string]ddbtypes.AttributeValue{
		"bucket_name": &ddbtypes.AttributeValueMemberS{Value: "b"},
		"prefix":      &ddbtypes.AttributeValueMemberS{Value: "p"},
	})
	assert.Equal(t, types.ClassPermanent, types.Classify(err))
}
