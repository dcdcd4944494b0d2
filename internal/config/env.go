// Package config loads the process environment, the typed settings parsed
// from it and the YAML directory of users and consumers.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"

	"github.com/providentiaww/openauth/internal/logger"
)

// secretsAPI is the part of the Secrets Manager client LoadEnv uses.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv copies the JSON secret named by AWS_SECRETS_MANAGER_SECRET_ID into
// the environment and then loads the .env file at ENV_FILE_PATH or
// defaultEnvPath. Either source may be absent.
func LoadEnv(ctx context.Context, defaultEnvPath string) {
	secretID := firstEnv("AWS_SECRETS_MANAGER_SECRET_ID", "AWS_SECRET_ID")
	if secretID == "" {
		logger.Info("AWS Secrets Manager: no secret ID provided, skipping fetch")
	} else if client, err := newSecretsClient(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION")); err != nil {
		logger.Warn("skipping AWS Secrets Manager load: %v", err)
	} else if n, err := loadSecret(ctx, client, secretID); err != nil {
		logger.Warn("skipping AWS Secrets Manager load: %v", err)
	} else {
		logger.Info("loaded %d env vars from AWS Secrets Manager secret %s", n, secretID)
	}
	loadDotEnv(defaultEnvPath)
}

func loadDotEnv(defaultEnvPath string) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}
	if err := godotenv.Load(envFile); err == nil {
		return
	}
	if err := godotenv.Load(); err != nil && os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		logger.Info(".env file not found at %s, using the process environment", envFile)
	}
}

func newSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// loadSecret fetches secretID and applies it to the environment, returning
// how many variables were set.
func loadSecret(ctx context.Context, client secretsAPI, secretID string) (int, error) {
	stage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if stage == "" {
		stage = "AWSCURRENT"
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}
	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")
	n, err := applySecret(payload, overwrite)
	if err != nil {
		return n, fmt.Errorf("secret %s: %w", secretID, err)
	}
	return n, nil
}

// applySecret sets each key of a flat JSON object as an environment
// variable. Existing variables are kept unless overwrite is set.
func applySecret(payload string, overwrite bool) (int, error) {
	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing secret as JSON: %w", err)
	}
	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
