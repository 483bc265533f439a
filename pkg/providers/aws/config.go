package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Credentials selects how the AWS configuration is built. Static keys win
// over a profile; with neither the default credential chain is used.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region"`
	Profile         string `json:"profile,omitempty"`
}

// LoadSecretsFile reads credentials from a JSON file of the form
// {"accessKeyId": "...", "secretAccessKey": "...", "region": "..."}.
func LoadSecretsFile(path string) (Credentials, error) {
	var creds Credentials

	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
	}
	if (creds.AccessKeyID == "") != (creds.SecretAccessKey == "") {
		return creds, fmt.Errorf("secrets file %s must set both accessKeyId and secretAccessKey", path)
	}
	return creds, nil
}

// LoadConfig builds an AWS configuration from creds.
func LoadConfig(ctx context.Context, creds Credentials) (awsv2.Config, error) {
	var opts []func(*config.LoadOptions) error
	if creds.Region != "" {
		opts = append(opts, config.WithRegion(creds.Region))
	}

	switch {
	case creds.AccessKeyID != "" && creds.SecretAccessKey != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	case creds.Profile != "":
		opts = append(opts, config.WithSharedConfigProfile(creds.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		return awsv2.Config{}, fmt.Errorf("no AWS region configured")
	}
	return cfg, nil
}
