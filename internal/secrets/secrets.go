// Package secrets resolves database passwords and alert credentials from
// the environment, AWS Secrets Manager, or SSM Parameter Store.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Auth methods accepted in connection.auth_method.
const (
	MethodPassword       = "password"
	MethodEnv            = "env"
	MethodSecretsManager = "secrets_manager"
	MethodParameterStore = "parameter_store"
	MethodIAM            = "iam"
)

const lookupTimeout = 10 * time.Second

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ParameterStoreAPI is the subset of the SSM client used here.
type ParameterStoreAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Store reads values from AWS secret backends.
type Store struct {
	sm  SecretsManagerAPI
	ssm ParameterStoreAPI
}

// NewStore loads the default AWS config for region. An empty region falls
// back to AWS_REGION, then AWS_DEFAULT_REGION.
func NewStore(ctx context.Context, region string) (*Store, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewStoreWithClients(secretsmanager.NewFromConfig(cfg), ssm.NewFromConfig(cfg)), nil
}

// NewStoreWithClients builds a Store from existing clients.
func NewStoreWithClients(sm SecretsManagerAPI, params ParameterStoreAPI) *Store {
	return &Store{sm: sm, ssm: params}
}

// SecretString returns the string value of a secret (name or ARN).
func (s *Store) SecretString(ctx context.Context, secretID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	out, err := s.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("retrieving secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}

// SecretField returns one string field of a JSON secret.
func (s *Store) SecretField(ctx context.Context, secretID, key string) (string, error) {
	raw, err := s.SecretString(ctx, secretID)
	if err != nil {
		return "", err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in secret %s", key, secretID)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("key %s in secret %s is not a string", key, secretID)
	}
	return str, nil
}

// Parameter returns a Parameter Store value, decrypting SecureStrings.
func (s *Store) Parameter(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("retrieving parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// PasswordSource describes where a database password comes from.
type PasswordSource struct {
	Method   string
	Password string
	Secret   string // secret id or parameter name
	Env      string // defaults to PGPASSWORD
	Region   string
}

func (p PasswordSource) needsAWS() bool {
	return p.Method == MethodSecretsManager || p.Method == MethodParameterStore
}

// ResolvePassword resolves src, creating an AWS store only when the method
// needs one. IAM auth resolves to an empty password; the token is generated
// per connection.
func ResolvePassword(ctx context.Context, src PasswordSource) (string, error) {
	if !src.needsAWS() {
		return (*Store)(nil).ResolvePassword(ctx, src)
	}
	if src.Secret == "" {
		return "", fmt.Errorf("password_secret required for %s auth method", src.Method)
	}

	store, err := NewStore(ctx, src.Region)
	if err != nil {
		return "", err
	}
	return store.ResolvePassword(ctx, src)
}

// ResolvePassword resolves src against this store. The receiver may be nil
// for methods that do not touch AWS.
func (s *Store) ResolvePassword(ctx context.Context, src PasswordSource) (string, error) {
	switch src.Method {
	case MethodPassword, "":
		return src.Password, nil

	case MethodEnv:
		name := src.Env
		if name == "" {
			name = "PGPASSWORD"
		}
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", name)
		}
		return v, nil

	case MethodSecretsManager:
		if s == nil {
			return "", fmt.Errorf("secrets_manager auth requires an AWS store")
		}
		raw, err := s.SecretString(ctx, src.Secret)
		if err != nil {
			return "", err
		}
		// RDS-managed secrets are JSON with a password key.
		var data map[string]any
		if json.Unmarshal([]byte(raw), &data) == nil {
			if pw, ok := data["password"].(string); ok {
				return pw, nil
			}
		}
		return raw, nil

	case MethodParameterStore:
		if s == nil {
			return "", fmt.Errorf("parameter_store auth requires an AWS store")
		}
		return s.Parameter(ctx, src.Secret)

	case MethodIAM:
		return "", nil

	default:
		return "", fmt.Errorf("unknown auth method: %s", src.Method)
	}
}

// ResolveWebhookURL reads a Slack webhook URL stored in Secrets Manager.
// An empty secretID resolves to "".
func ResolveWebhookURL(ctx context.Context, secretID, region string) (string, error) {
	if secretID == "" {
		return "", nil
	}

	store, err := NewStore(ctx, region)
	if err != nil {
		return "", err
	}
	return store.SecretString(ctx, secretID)
}
