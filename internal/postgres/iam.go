package postgres

import (
	"context"
	"fmt"
	"net"
	"strconv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

// GetRDSAuthToken generates a short-lived IAM token that stands in for the
// password on RDS connections. Credentials come from the default AWS chain.
func GetRDSAuthToken(ctx context.Context, host string, port int, user, region string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.Region == "" {
		return "", fmt.Errorf("no AWS region configured for IAM auth")
	}

	token, err := auth.BuildAuthToken(ctx, rdsEndpoint(host, port), cfg.Region, user, cfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("building auth token: %w", err)
	}

	return token, nil
}

func rdsEndpoint(host string, port int) string {
	if port == 0 {
		port = 5432
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
