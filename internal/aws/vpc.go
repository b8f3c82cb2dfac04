package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
)

var (
	// natWaitTimeout bounds WaitNATGatewaysDeleted. NAT gateways usually take
	// a minute or two to go away.
	natWaitTimeout = 10 * time.Minute
	// terminateWaitTimeout bounds TerminateInstances' wait.
	terminateWaitTimeout = 10 * time.Minute
	// dependencyBackoff is the pause between deletes that fail with
	// DependencyViolation while ENIs of a deleted load balancer or NAT
	// gateway drain.
	dependencyBackoff  = 10 * time.Second
	dependencyAttempts = 6
)

// VPCResources is everything inside a VPC that blocks DeleteVpc, grouped in
// the order it has to go.
type VPCResources struct {
	LoadBalancers    []string // ARNs
	NATGateways      []string
	Instances        []string
	InternetGateways []string
	Endpoints        []string
	Subnets          []string
	// RouteTables excludes the main table, which goes with the VPC.
	RouteTables []string
	// SecurityGroups excludes the default group.
	SecurityGroups []string
}

func vpcFilter(vpcID string) []ec2types.Filter {
	return []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}
}

// VPCResources lists the dependencies of vpcID.
func (c *Client) VPCResources(ctx context.Context, vpcID string) (*VPCResources, error) {
	res := &VPCResources{}

	lbs := elasticloadbalancingv2.NewDescribeLoadBalancersPaginator(c.elbv2, &elasticloadbalancingv2.DescribeLoadBalancersInput{})
	for lbs.HasMorePages() {
		page, err := lbs.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("elbv2 describe-load-balancers failed: %w", err)
		}
		for _, lb := range page.LoadBalancers {
			if aws.ToString(lb.VpcId) == vpcID {
				res.LoadBalancers = append(res.LoadBalancers, aws.ToString(lb.LoadBalancerArn))
			}
		}
	}

	nats, err := c.liveNATGateways(ctx, vpcID)
	if err != nil {
		return nil, err
	}
	for _, n := range nats {
		if n.State != ec2types.NatGatewayStateDeleting {
			res.NATGateways = append(res.NATGateways, aws.ToString(n.NatGatewayId))
		}
	}

	insts := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{
		Filters: append(vpcFilter(vpcID), ec2types.Filter{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running", "stopping", "stopped"},
		}),
	})
	for insts.HasMorePages() {
		page, err := insts.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ec2 describe-instances failed: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				res.Instances = append(res.Instances, aws.ToString(inst.InstanceId))
			}
		}
	}

	igws, err := c.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{{Name: aws.String("attachment.vpc-id"), Values: []string{vpcID}}},
	})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-internet-gateways failed: %w", err)
	}
	for _, g := range igws.InternetGateways {
		res.InternetGateways = append(res.InternetGateways, aws.ToString(g.InternetGatewayId))
	}

	eps, err := c.ec2.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{Filters: vpcFilter(vpcID)})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-vpc-endpoints failed: %w", err)
	}
	for _, e := range eps.VpcEndpoints {
		res.Endpoints = append(res.Endpoints, aws.ToString(e.VpcEndpointId))
	}

	subnets, err := c.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: vpcFilter(vpcID)})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-subnets failed: %w", err)
	}
	for _, s := range subnets.Subnets {
		res.Subnets = append(res.Subnets, aws.ToString(s.SubnetId))
	}

	tables, err := c.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: vpcFilter(vpcID)})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-route-tables failed: %w", err)
	}
	for _, t := range tables.RouteTables {
		if !isMainTable(t) {
			res.RouteTables = append(res.RouteTables, aws.ToString(t.RouteTableId))
		}
	}

	groups, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: vpcFilter(vpcID)})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-security-groups failed: %w", err)
	}
	for _, g := range groups.SecurityGroups {
		if aws.ToString(g.GroupName) != "default" {
			res.SecurityGroups = append(res.SecurityGroups, aws.ToString(g.GroupId))
		}
	}
	return res, nil
}

func isMainTable(t ec2types.RouteTable) bool {
	for _, a := range t.Associations {
		if aws.ToBool(a.Main) {
			return true
		}
	}
	return false
}

// liveNATGateways returns the NAT gateways of vpcID that are not deleted yet.
func (c *Client) liveNATGateways(ctx context.Context, vpcID string) ([]ec2types.NatGateway, error) {
	out, err := c.ec2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: append(vpcFilter(vpcID), ec2types.Filter{
			Name:   aws.String("state"),
			Values: []string{"pending", "available", "deleting"},
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("ec2 describe-nat-gateways failed: %w", err)
	}
	return out.NatGateways, nil
}

// DeleteLoadBalancer deletes an ALB or NLB by ARN.
func (c *Client) DeleteLoadBalancer(ctx context.Context, arn string) error {
	_, err := c.elbv2.DeleteLoadBalancer(ctx, &elasticloadbalancingv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(arn)})
	return err
}

// DeleteNATGateway starts deleting a NAT gateway. Its EIP is released by
// terraform or cleanup limits --release-eips afterwards.
func (c *Client) DeleteNATGateway(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(id)})
	return err
}

// WaitNATGatewaysDeleted polls until vpcID has no NAT gateway left that
// still holds a subnet.
func (c *Client) WaitNATGatewaysDeleted(ctx context.Context, vpcID string) error {
	ctx, cancel := context.WithTimeout(ctx, natWaitTimeout)
	defer cancel()
	for {
		nats, err := c.liveNATGateways(ctx, vpcID)
		if err != nil {
			return err
		}
		if len(nats) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d NAT gateway(s) in %s: %w", len(nats), vpcID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// TerminateInstances terminates ids and waits until they are gone.
func (c *Client) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return err
	}
	w := ec2.NewInstanceTerminatedWaiter(c.ec2)
	return w.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, terminateWaitTimeout)
}

// DeleteInternetGateway detaches the gateway from vpcID and deletes it.
func (c *Client) DeleteInternetGateway(ctx context.Context, id, vpcID string) error {
	_, err := c.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
		InternetGatewayId: aws.String(id),
		VpcId:             aws.String(vpcID),
	})
	if err != nil && ErrorCode(err) != "Gateway.NotAttached" {
		return fmt.Errorf("detach: %w", err)
	}
	_, err = c.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
	return err
}

func (c *Client) DeleteVPCEndpoint(ctx context.Context, id string) error {
	out, err := c.ec2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: []string{id}})
	if err != nil {
		return err
	}
	if len(out.Unsuccessful) > 0 && out.Unsuccessful[0].Error != nil {
		e := out.Unsuccessful[0].Error
		return fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message))
	}
	return nil
}

func (c *Client) DeleteSubnet(ctx context.Context, id string) error {
	return retryDependency(ctx, func() error {
		_, err := c.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
		return err
	})
}

func (c *Client) DeleteRouteTable(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
	return err
}

// RevokeSecurityGroupRules drops every ingress and egress rule of a group so
// groups that reference each other can be deleted.
func (c *Client) RevokeSecurityGroupRules(ctx context.Context, id string) error {
	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		return err
	}
	for _, g := range out.SecurityGroups {
		if len(g.IpPermissions) > 0 {
			if _, err := c.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       g.GroupId,
				IpPermissions: g.IpPermissions,
			}); err != nil {
				return fmt.Errorf("revoke ingress: %w", err)
			}
		}
		if len(g.IpPermissionsEgress) > 0 {
			if _, err := c.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       g.GroupId,
				IpPermissions: g.IpPermissionsEgress,
			}); err != nil {
				return fmt.Errorf("revoke egress: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) DeleteSecurityGroup(ctx context.Context, id string) error {
	return retryDependency(ctx, func() error {
		_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
		return err
	})
}

func (c *Client) DeleteVPC(ctx context.Context, id string) error {
	return retryDependency(ctx, func() error {
		_, err := c.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
		return err
	})
}

// retryDependency reruns del while it fails with DependencyViolation.
func retryDependency(ctx context.Context, del func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = del()
		if ErrorCode(err) != "DependencyViolation" || attempt >= dependencyAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(dependencyBackoff):
		}
	}
}
