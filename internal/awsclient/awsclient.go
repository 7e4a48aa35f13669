// Package awsclient builds the AWS service clients from one shared config.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/config"
)

// Clients holds one client per service the enforcer talks to
type Clients struct {
	Region   string
	S3       *s3.Client
	DynamoDB *dynamodb.Client
	SQS      *sqs.Client
	KMS      *kms.Client
	SNS      *sns.Client
}

// New loads the default credential chain and builds the clients. A custom
// endpoint (e.g. LocalStack) switches S3 to path-style addressing.
func New(ctx context.Context, cfg config.AWSConfig) (*Clients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Clients{
		Region:   awsCfg.Region,
		S3:       s3.NewFromConfig(awsCfg, s3Options...),
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		SQS:      sqs.NewFromConfig(awsCfg),
		KMS:      kms.NewFromConfig(awsCfg),
		SNS:      sns.NewFromConfig(awsCfg),
	}, nil
}

func loadOptions(cfg config.AWSConfig) []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	return opts
}
