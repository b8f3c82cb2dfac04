package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Instance is a running EC2 instance as the SSH deploy sees it.
type Instance struct {
	ID        string
	Name      string
	PrivateIP string
	PublicIP  string
}

// RunningInstances lists running instances tagged Env=env.
func (c *Client) RunningInstances(ctx context.Context, env string) ([]Instance, error) {
	p := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Env"), Values: []string{env}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	var out []Instance
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ec2 describe-instances failed: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				out = append(out, Instance{
					ID:        aws.ToString(inst.InstanceId),
					Name:      tagValue(inst.Tags, "Name"),
					PrivateIP: aws.ToString(inst.PrivateIpAddress),
					PublicIP:  aws.ToString(inst.PublicIpAddress),
				})
			}
		}
	}
	return out, nil
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// VPC is a summary row for the limits report.
type VPC struct {
	ID      string
	CIDR    string
	Name    string
	Default bool
}

// ListVPCs returns every VPC in the region.
func (c *Client) ListVPCs(ctx context.Context) ([]VPC, error) {
	out, err := c.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-vpcs failed: %w", err)
	}
	vpcs := make([]VPC, 0, len(out.Vpcs))
	for _, v := range out.Vpcs {
		vpcs = append(vpcs, VPC{
			ID:      aws.ToString(v.VpcId),
			CIDR:    aws.ToString(v.CidrBlock),
			Name:    tagValue(v.Tags, "Name"),
			Default: aws.ToBool(v.IsDefault),
		})
	}
	return vpcs, nil
}

// Address is an Elastic IP allocation.
type Address struct {
	AllocationID  string
	PublicIP      string
	AssociationID string
	Name          string
}

// Associated reports whether the EIP is attached to something.
func (a Address) Associated() bool { return strings.TrimSpace(a.AssociationID) != "" }

// ListAddresses returns every Elastic IP in the region.
func (c *Client) ListAddresses(ctx context.Context) ([]Address, error) {
	out, err := c.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-addresses failed: %w", err)
	}
	addrs := make([]Address, 0, len(out.Addresses))
	for _, a := range out.Addresses {
		addrs = append(addrs, Address{
			AllocationID:  aws.ToString(a.AllocationId),
			PublicIP:      aws.ToString(a.PublicIp),
			AssociationID: aws.ToString(a.AssociationId),
			Name:          tagValue(a.Tags, "Name"),
		})
	}
	return addrs, nil
}

// ReleaseAddress releases an unassociated Elastic IP.
func (c *Client) ReleaseAddress(ctx context.Context, allocationID string) error {
	_, err := c.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(allocationID)})
	return err
}
