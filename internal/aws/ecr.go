package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AccountID returns the caller's account.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("sts get-caller-identity failed: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// RegistryURI returns {account}.dkr.ecr.{region}.amazonaws.com.
func (c *Client) RegistryURI(ctx context.Context) (string, error) {
	account, err := c.AccountID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", account, c.cfg.Region), nil
}

// ECRLogin returns docker credentials for the account's registry.
func (c *Client) ECRLogin(ctx context.Context) (registry, user, password string, err error) {
	out, err := c.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", "", fmt.Errorf("ecr get-authorization-token failed: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", "", fmt.Errorf("ecr returned no authorization data")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to decode ecr token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", "", fmt.Errorf("malformed ecr token")
	}
	registry = strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://")
	return registry, user, password, nil
}

// ImageTag is one tag in a repository with its push time.
type ImageTag struct {
	Tag      string
	PushedAt time.Time
}

// ListImageTags returns the tagged images in repo, newest first.
func (c *Client) ListImageTags(ctx context.Context, repo string) ([]ImageTag, error) {
	var tags []ImageTag
	p := ecr.NewDescribeImagesPaginator(c.ecr, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repo),
		Filter:         &ecrtypes.DescribeImagesFilter{TagStatus: ecrtypes.TagStatusTagged},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, img := range page.ImageDetails {
			for _, t := range img.ImageTags {
				tags = append(tags, ImageTag{Tag: t, PushedAt: aws.ToTime(img.ImagePushedAt)})
			}
		}
	}
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].PushedAt.After(tags[j].PushedAt) })
	return tags, nil
}

// DeleteRepository removes repo; force also deletes the images in it.
func (c *Client) DeleteRepository(ctx context.Context, repo string, force bool) error {
	_, err := c.ecr.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(repo),
		Force:          force,
	})
	return err
}
