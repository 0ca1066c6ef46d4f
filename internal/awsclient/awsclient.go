// Package awsclient builds AWS service clients. Clients are always scoped to one
// set of credentials; cross-account bundles are built per operation and dropped.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the registry and data plane.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// CloudFormationAPI is the subset of the CloudFormation client used for dedicated stacks.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// STSAPI is the subset of STS used by the credential broker.
type STSAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Bundle is a set of clients sharing one credential scope.
type Bundle struct {
	DynamoDB       DynamoDBAPI
	CloudFormation CloudFormationAPI
}

// Builder turns temporary credentials into a scoped Bundle.
type Builder interface {
	Build(creds aws.Credentials) *Bundle
}

type builder struct {
	base aws.Config
}

// NewBuilder returns a Builder that copies region, endpoint and retry settings from base.
func NewBuilder(base aws.Config) Builder {
	return &builder{base: base}
}

func (b *builder) Build(creds aws.Credentials) *Bundle {
	cfg := b.base.Copy()
	cfg.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	return &Bundle{
		DynamoDB:       dynamodb.NewFromConfig(cfg),
		CloudFormation: cloudformation.NewFromConfig(cfg),
	}
}

// Home returns clients for the control-plane account itself.
func Home(cfg aws.Config) *Bundle {
	return &Bundle{
		DynamoDB:       dynamodb.NewFromConfig(cfg),
		CloudFormation: cloudformation.NewFromConfig(cfg),
	}
}

// Options configures LoadConfig.
type Options struct {
	Region      string
	EndpointURL string
	MaxAttempts int
}

// LoadConfig loads the default credential chain for the control-plane account.
// EndpointURL points every service at a single endpoint (localstack).
func LoadConfig(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.MaxAttempts))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	if opts.EndpointURL != "" {
		cfg.BaseEndpoint = aws.String(opts.EndpointURL)
	}
	return cfg, nil
}

// ErrorCode returns the API error code of err, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsThrottling reports whether err is a throttling response worth retrying.
func IsThrottling(err error) bool {
	switch ErrorCode(err) {
	case "Throttling", "ThrottlingException", "ThrottledException", "RequestLimitExceeded",
		"TooManyRequestsException", "ProvisionedThroughputExceededException", "RequestThrottled":
		return true
	}
	return false
}

// IsConditionalCheckFailed reports whether a DynamoDB condition expression rejected the write.
func IsConditionalCheckFailed(err error) bool {
	return ErrorCode(err) == "ConditionalCheckFailedException"
}

// IsStackNotFound reports whether a CloudFormation call failed because the stack does not exist.
// CloudFormation signals this with a generic ValidationError.
func IsStackNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

// IsStackAlreadyExists reports whether CreateStack hit an existing stack of the same name.
func IsStackAlreadyExists(err error) bool {
	return ErrorCode(err) == "AlreadyExistsException"
}
