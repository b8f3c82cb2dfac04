// Package aws wraps the AWS SDK calls the pipeline makes: the SSM handoff
// parameters, ECR, EC2 discovery, ECS rollouts and teardown helpers
// (including the VPC cascade).
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type Client struct {
	cfg     aws.Config
	profile string

	ssm            ssmAPI
	sts            stsAPI
	ec2            ec2API
	ecs            ecsAPI
	elbv2          elbv2API
	ecr            ecrAPI
	s3             s3API
	iam            iamAPI
	cloudtrail     cloudtrailAPI
	cloudwatch     cloudwatchAPI
	cloudwatchlogs cloudwatchlogsAPI
}

// NewClient loads credentials for profile (empty means the default chain)
// and pins every service client to region.
func NewClient(ctx context.Context, profile, region string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
		// Try to get credentials from AWS CLI first (works better with SSO)
		if creds, err := getCredentialsFromCLI(ctx, profile); err == nil {
			opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyId,
				creds.SecretAccessKey,
				creds.SessionToken,
			)))
		}
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		if profile != "" {
			return nil, fmt.Errorf("unable to load SDK config for profile %s: %w", profile, err)
		}
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newFromConfig(cfg, profile), nil
}

func newFromConfig(cfg aws.Config, profile string) *Client {
	return &Client{
		cfg:            cfg,
		profile:        profile,
		ssm:            ssm.NewFromConfig(cfg),
		sts:            sts.NewFromConfig(cfg),
		ec2:            ec2.NewFromConfig(cfg),
		ecs:            ecs.NewFromConfig(cfg),
		elbv2:          elasticloadbalancingv2.NewFromConfig(cfg),
		ecr:            ecr.NewFromConfig(cfg),
		s3:             s3.NewFromConfig(cfg),
		iam:            iam.NewFromConfig(cfg),
		cloudtrail:     cloudtrail.NewFromConfig(cfg),
		cloudwatch:     cloudwatch.NewFromConfig(cfg),
		cloudwatchlogs: cloudwatchlogs.NewFromConfig(cfg),
	}
}

// Region is the region every service client talks to.
func (c *Client) Region() string { return c.cfg.Region }

// ForRegion returns a client for another region sharing the same
// credentials. An empty or identical region returns c.
func (c *Client) ForRegion(region string) *Client {
	region = strings.TrimSpace(region)
	if region == "" || region == c.cfg.Region {
		return c
	}
	cfg := c.cfg.Copy()
	cfg.Region = region
	return newFromConfig(cfg, c.profile)
}

// awsCredentialsFromCLI represents AWS credentials returned by CLI
type awsCredentialsFromCLI struct {
	Version         int    `json:"Version"`
	AccessKeyId     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// getCredentialsFromCLI uses AWS CLI to get fresh credentials for the profile
func getCredentialsFromCLI(ctx context.Context, profile string) (*awsCredentialsFromCLI, error) {
	// For SSO profiles, use export-credentials with process format
	cmd := exec.CommandContext(ctx, "aws", "configure", "export-credentials", "--profile", profile, "--format", "process")
	cmd.Env = append(os.Environ(), fmt.Sprintf("AWS_PROFILE=%s", profile))

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials from AWS CLI: %w", err)
	}

	var creds awsCredentialsFromCLI
	if err := json.Unmarshal(output, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse AWS CLI credentials response: %w", err)
	}

	return &creds, nil
}

// ExportCredentialsEnv resolves the client's credentials into KEY=value
// pairs for a child process that cannot read the host's AWS config (Ansible
// under WSL). The region is included.
func (c *Client) ExportCredentialsEnv(ctx context.Context) ([]string, error) {
	if c.cfg.Credentials == nil {
		return nil, fmt.Errorf("no AWS credentials configured")
	}
	creds, err := c.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve AWS credentials: %w", err)
	}
	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	if c.cfg.Region != "" {
		env = append(env, "AWS_REGION="+c.cfg.Region, "AWS_DEFAULT_REGION="+c.cfg.Region)
	}
	return env, nil
}
