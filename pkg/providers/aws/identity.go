package aws

import (
	"context"
	"os"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSClient defines the STS operations used to identify the caller.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// NewSTSClient creates an STS client from an AWS configuration.
func NewSTSClient(cfg awsv2.Config) STSClient {
	return sts.NewFromConfig(cfg)
}

// CallerIdentity returns the ARN of the caller.
func CallerIdentity(ctx context.Context, client STSClient) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", classify("sts", "GetCallerIdentity", "", err)
	}
	return awsv2.ToString(out.Arn), nil
}

// OperatorName returns the name used to prefix change sets: the last path
// element of the caller ARN, e.g. "jane" for arn:aws:iam::1:user/jane.
// It falls back to $USER when the identity cannot be resolved.
func OperatorName(ctx context.Context, client STSClient) string {
	if client != nil {
		if arn, err := CallerIdentity(ctx, client); err == nil {
			if name := arnTail(arn); name != "" {
				return name
			}
		}
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "stackur"
}

func arnTail(arn string) string {
	if i := strings.LastIndexAny(arn, "/:"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
