// Package secrets resolves operational secrets (database DSNs, RPC
// credentials) from AWS Secrets Manager or the environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New selects a provider by driver name. An empty driver means env, which is
// what local runs and CI use.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case DriverEnv, "":
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	}
	return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	return key, nil
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	return secretValue(out, key)
}

// secretValue prefers the string form; binary secrets are returned verbatim.
func secretValue(out *secretsmanager.GetSecretValueOutput, key string) (string, error) {
	if out != nil {
		if out.SecretString != nil {
			if v := strings.TrimSpace(*out.SecretString); v != "" {
				return v, nil
			}
		}
		if len(out.SecretBinary) > 0 {
			return string(out.SecretBinary), nil
		}
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
}

var (
	_ Provider = (*AWSProvider)(nil)
	_ Provider = (*EnvProvider)(nil)
)
