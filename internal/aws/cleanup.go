package aws

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ListBuckets returns bucket names starting with any of prefixes (all
// buckets when none are given).
func (c *Client) ListBuckets(ctx context.Context, prefixes ...string) ([]string, error) {
	out, err := c.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("s3 list-buckets failed: %w", err)
	}
	var names []string
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		if len(prefixes) == 0 {
			names = append(names, name)
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				names = append(names, name)
				break
			}
		}
	}
	return names, nil
}

// EmptyBucket deletes every object version and delete marker in bucket so
// it can be destroyed. It returns the number of keys removed.
func (c *Client) EmptyBucket(ctx context.Context, bucket string) (int, error) {
	deleted := 0
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(bucket)}
	for {
		page, err := c.s3.ListObjectVersions(ctx, in)
		if err != nil {
			return deleted, fmt.Errorf("s3 list-object-versions %s failed: %w", bucket, err)
		}
		var ids []s3types.ObjectIdentifier
		for _, v := range page.Versions {
			ids = append(ids, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			ids = append(ids, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(ids) > 0 {
			if _, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: ids},
			}); err != nil {
				return deleted, fmt.Errorf("s3 delete-objects %s failed: %w", bucket, err)
			}
			deleted += len(ids)
		}
		if aws.ToString(page.NextKeyMarker) == "" && aws.ToString(page.NextVersionIdMarker) == "" {
			return deleted, nil
		}
		in.KeyMarker = page.NextKeyMarker
		in.VersionIdMarker = page.NextVersionIdMarker
	}
}

// DeleteBucket deletes an (empty) bucket.
func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := c.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	return err
}

// PutObject uploads body to s3://bucket/key.
func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("s3 put-object s3://%s/%s failed: %w", bucket, key, err)
	}
	return nil
}

// DeleteRole removes an IAM role and everything that blocks its deletion:
// attached managed policies, inline policies and instance profiles.
func (c *Client) DeleteRole(ctx context.Context, name string) error {
	attached, err := c.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return err
	}
	for _, p := range attached.AttachedPolicies {
		if _, err := c.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(name), PolicyArn: p.PolicyArn}); err != nil {
			return fmt.Errorf("detach %s: %w", aws.ToString(p.PolicyArn), err)
		}
	}

	inline, err := c.iam.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return err
	}
	for _, p := range inline.PolicyNames {
		if _, err := c.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(p)}); err != nil {
			return fmt.Errorf("delete inline policy %s: %w", p, err)
		}
	}

	profiles, err := c.iam.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return err
	}
	for _, ip := range profiles.InstanceProfiles {
		if _, err := c.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: ip.InstanceProfileName,
			RoleName:            aws.String(name),
		}); err != nil {
			return fmt.Errorf("remove from instance profile %s: %w", aws.ToString(ip.InstanceProfileName), err)
		}
		if _, err := c.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: ip.InstanceProfileName}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("delete instance profile %s: %w", aws.ToString(ip.InstanceProfileName), err)
		}
	}

	_, err = c.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	return err
}

// DeleteTrail deletes a CloudTrail trail by name.
func (c *Client) DeleteTrail(ctx context.Context, name string) error {
	_, err := c.cloudtrail.DeleteTrail(ctx, &cloudtrail.DeleteTrailInput{Name: aws.String(name)})
	return err
}

// DeleteLogGroup deletes a CloudWatch Logs group.
func (c *Client) DeleteLogGroup(ctx context.Context, name string) error {
	_, err := c.cloudwatchlogs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(name)})
	return err
}

// Alarm is a metric alarm currently in ALARM state.
type Alarm struct {
	Name   string
	Reason string
}

// AlarmsFiring lists metric alarms whose name starts with prefix and whose
// state is ALARM.
func (c *Client) AlarmsFiring(ctx context.Context, prefix string) ([]Alarm, error) {
	in := &cloudwatch.DescribeAlarmsInput{StateValue: cwtypes.StateValueAlarm}
	if prefix != "" {
		in.AlarmNamePrefix = aws.String(prefix)
	}
	var alarms []Alarm
	for {
		out, err := c.cloudwatch.DescribeAlarms(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch describe-alarms failed: %w", err)
		}
		for _, a := range out.MetricAlarms {
			alarms = append(alarms, Alarm{Name: aws.ToString(a.AlarmName), Reason: aws.ToString(a.StateReason)})
		}
		if aws.ToString(out.NextToken) == "" {
			return alarms, nil
		}
		in.NextToken = out.NextToken
	}
}
