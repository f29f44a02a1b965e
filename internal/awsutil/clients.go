package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Loader builds AWS service clients. A non-empty Endpoint (e.g.
// http://localhost:4566 for LocalStack) switches to static dummy
// credentials and overrides every client's base endpoint.
type Loader struct {
	Region   string
	Endpoint string
}

func (l Loader) config(ctx context.Context) (aws.Config, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(l.Region),
	}
	if l.Endpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	return configv2.LoadDefaultConfig(ctx, opts...)
}

func (l Loader) SQS(ctx context.Context) (*sqs.Client, error) {
	cfg, err := l.config(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if l.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.Endpoint)
		}
	}), nil
}

func (l Loader) SES(ctx context.Context) (*sesv2.Client, error) {
	cfg, err := l.config(ctx)
	if err != nil {
		return nil, err
	}
	return sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if l.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.Endpoint)
		}
	}), nil
}

// S3 uses path-style addressing against a custom endpoint.
func (l Loader) S3(ctx context.Context) (*s3.Client, error) {
	cfg, err := l.config(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if l.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
