package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/ManuelReschke/oraclepay/internal/pkg/env"
)

// secretsManagerAPI is the subset of the Secrets Manager client used here.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSStore reads secrets from AWS Secrets Manager. Names are prefixed with
// Prefix (e.g. "oraclepay/") before lookup.
type AWSStore struct {
	client secretsManagerAPI
	Prefix string
}

// NewAWSStoreFromEnv builds a Secrets Manager backed store. Static credentials
// are used when AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY are set, otherwise the
// default credential chain applies.
func NewAWSStoreFromEnv(ctx context.Context) (*AWSStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(env.GetEnv("AWS_REGION", "eu-central-1")),
	}
	accessKey := env.GetEnv("AWS_ACCESS_KEY_ID", "")
	secretKey := env.GetEnv("AWS_SECRET_ACCESS_KEY", "")
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, env.GetEnv("AWS_SESSION_TOKEN", "")),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var smOpts []func(*secretsmanager.Options)
	if endpoint := env.GetEnv("AWS_SECRETS_ENDPOINT", ""); endpoint != "" {
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &AWSStore{
		client: secretsmanager.NewFromConfig(cfg, smOpts...),
		Prefix: env.GetEnv("AWS_SECRETS_PREFIX", "oraclepay/"),
	}, nil
}

func (s *AWSStore) AccessSecret(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.Prefix + name),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("access secret %q: %w", name, err)
	}
	if out.SecretString == nil || strings.TrimSpace(*out.SecretString) == "" {
		return "", ErrSecretNotFound
	}
	return strings.TrimSpace(*out.SecretString), nil
}
