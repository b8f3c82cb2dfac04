package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
)

type fakeAPI struct {
	missing   map[string]bool
	broken    map[string]bool
	deleted   []string
	released  []string
	vpcs      []awsclient.VPC
	addresses []awsclient.Address
	buckets   []string
	prefixes  []string

	resources map[string]*awsclient.VPCResources
	calls     []string
}

// call records a VPC cascade step and deletes name like the other fakes.
func (f *fakeAPI) call(step, name string) error {
	f.calls = append(f.calls, step+" "+name)
	return f.del(name)
}

func (f *fakeAPI) VPCResources(_ context.Context, vpcID string) (*awsclient.VPCResources, error) {
	if res, ok := f.resources[vpcID]; ok {
		return res, nil
	}
	return &awsclient.VPCResources{}, nil
}

func (f *fakeAPI) DeleteLoadBalancer(_ context.Context, arn string) error { return f.call("lb", arn) }
func (f *fakeAPI) DeleteNATGateway(_ context.Context, id string) error    { return f.call("nat", id) }

func (f *fakeAPI) WaitNATGatewaysDeleted(_ context.Context, vpcID string) error {
	f.calls = append(f.calls, "wait-nat "+vpcID)
	return nil
}

func (f *fakeAPI) TerminateInstances(_ context.Context, ids []string) error {
	return f.call("terminate", strings.Join(ids, ","))
}

func (f *fakeAPI) DeleteInternetGateway(_ context.Context, id, vpcID string) error {
	return f.call("igw", id+"@"+vpcID)
}

func (f *fakeAPI) DeleteVPCEndpoint(_ context.Context, id string) error { return f.call("endpoint", id) }
func (f *fakeAPI) DeleteSubnet(_ context.Context, id string) error      { return f.call("subnet", id) }
func (f *fakeAPI) DeleteRouteTable(_ context.Context, id string) error  { return f.call("rtb", id) }

func (f *fakeAPI) RevokeSecurityGroupRules(_ context.Context, id string) error {
	f.calls = append(f.calls, "revoke "+id)
	return nil
}

func (f *fakeAPI) DeleteSecurityGroup(_ context.Context, id string) error { return f.call("sg", id) }
func (f *fakeAPI) DeleteVPC(_ context.Context, id string) error           { return f.call("vpc", id) }

func (f *fakeAPI) del(name string) error {
	if f.missing[name] {
		return &smithy.GenericAPIError{Code: "NoSuchEntity", Message: name}
	}
	if f.broken[name] {
		return &smithy.GenericAPIError{Code: "AccessDenied", Message: name}
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeAPI) DeleteTrail(_ context.Context, name string) error    { return f.del(name) }
func (f *fakeAPI) DeleteLogGroup(_ context.Context, name string) error { return f.del(name) }
func (f *fakeAPI) DeleteRole(_ context.Context, name string) error     { return f.del(name) }
func (f *fakeAPI) DeleteBucket(_ context.Context, name string) error   { return f.del(name) }

func (f *fakeAPI) ListVPCs(context.Context) ([]awsclient.VPC, error) { return f.vpcs, nil }

func (f *fakeAPI) ListAddresses(context.Context) ([]awsclient.Address, error) {
	return f.addresses, nil
}

func (f *fakeAPI) ReleaseAddress(_ context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeAPI) ListBuckets(_ context.Context, prefixes ...string) ([]string, error) {
	f.prefixes = prefixes
	return f.buckets, nil
}

func (f *fakeAPI) EmptyBucket(context.Context, string) (int, error) { return 3, nil }

func TestRemoveBlockers(t *testing.T) {
	api := &fakeAPI{
		missing: map[string]bool{"shop-dev-trail": true},
		addresses: []awsclient.Address{
			{AllocationID: "eipalloc-1", AssociationID: "eipassoc-1"},
			{AllocationID: "eipalloc-2"},
		},
	}
	var out strings.Builder
	err := New(api, "shop", "us-east-1", &out).RemoveBlockers(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"shop-prod-trail"}, api.deleted)
	assert.Equal(t, []string{"eipalloc-2"}, api.released)
	assert.Contains(t, out.String(), "skip (not found): shop-dev-trail")
	assert.Contains(t, out.String(), "Unassociated Elastic IPs to release: 1")
}

func TestRemoveBlockersReportsFailures(t *testing.T) {
	api := &fakeAPI{broken: map[string]bool{"shop-prod-trail": true}}
	err := New(api, "shop", "us-east-1", nil).RemoveBlockers(context.Background(), false)
	require.Error(t, err)
	var ae smithy.APIError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, []string{"shop-dev-trail"}, api.deleted)
}

func TestDryRunChangesNothing(t *testing.T) {
	api := &fakeAPI{addresses: []awsclient.Address{{AllocationID: "eipalloc-9"}}}
	var out strings.Builder
	r := New(api, "shop", "us-east-1", &out).DryRun(true)

	require.NoError(t, r.RemoveBlockers(context.Background(), true))
	require.NoError(t, r.RemoveLogGroups(context.Background()))
	assert.Empty(t, api.deleted)
	assert.Empty(t, api.released)
	assert.Contains(t, out.String(), "[dry-run] would release EIP: eipalloc-9")
}

func TestResolveLimits(t *testing.T) {
	api := &fakeAPI{
		vpcs: make([]awsclient.VPC, 5),
		addresses: []awsclient.Address{
			{AllocationID: "a", AssociationID: "x"},
			{AllocationID: "b", AssociationID: "y"},
			{AllocationID: "c"},
			{AllocationID: "d"},
			{AllocationID: "e"},
		},
	}
	var out strings.Builder
	rep, err := New(api, "shop", "eu-west-1", &out).ResolveLimits(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, rep.VPCsAtLimit())
	assert.True(t, rep.EIPsAtLimit())
	assert.Len(t, rep.Unassociated, 3)
	assert.Contains(t, out.String(), "Elastic IPs: 5 total (2 associated, 3 unassociated)")
	assert.Contains(t, out.String(), "WARNING: You have 5+ VPCs")
	assert.Empty(t, api.released)

	rep, err = New(api, "shop", "eu-west-1", nil).ResolveLimits(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Released)
	assert.Equal(t, []string{"c", "d", "e"}, api.released)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{
		"/shop/dev/docker", "/shop/dev/system", "/ecs/shop-dev-app",
		"/shop/prod/docker", "/shop/prod/system", "/ecs/shop-prod-app",
	}, LogGroupNames("shop"))
	assert.Equal(t, []string{
		"shop-dev-ec2-role", "shop-dev-codedeploy-role",
		"shop-prod-ec2-role", "shop-prod-codedeploy-role",
		"shop-build-runner",
	}, RoleNames("shop"))
}

func TestDeleteProjectBuckets(t *testing.T) {
	api := &fakeAPI{buckets: []string{"shop-tfstate-123", "shop-prod-artifacts-123"}}
	var out strings.Builder
	require.NoError(t, New(api, "shop", "us-east-1", &out).DeleteProjectBuckets(context.Background()))
	assert.Equal(t, api.buckets, api.deleted)
	assert.Equal(t, BucketPrefixes("shop"), api.prefixes)
	assert.Contains(t, out.String(), "emptied shop-tfstate-123 (3 objects)")
}

func shopVPCs() *fakeAPI {
	return &fakeAPI{
		vpcs: []awsclient.VPC{
			{ID: "vpc-default", Name: "shop-dev", Default: true},
			{ID: "vpc-dev", Name: "shop-dev", CIDR: "10.0.0.0/16"},
			{ID: "vpc-other", Name: "blog-prod"},
		},
		resources: map[string]*awsclient.VPCResources{
			"vpc-dev": {
				LoadBalancers:    []string{"arn:lb/app"},
				NATGateways:      []string{"nat-1"},
				InternetGateways: []string{"igw-1"},
				Endpoints:        []string{"vpce-1"},
				Subnets:          []string{"subnet-a", "subnet-b"},
				RouteTables:      []string{"rtb-private"},
				SecurityGroups:   []string{"sg-alb", "sg-app"},
			},
		},
	}
}

func TestDeleteVPCsCascadesInOrder(t *testing.T) {
	api := shopVPCs()
	var out strings.Builder
	require.NoError(t, New(api, "shop", "us-east-1", &out).DeleteVPCs(context.Background(), VPCSelector{}))

	assert.Equal(t, []string{
		"lb arn:lb/app",
		"nat nat-1",
		"wait-nat vpc-dev",
		"igw igw-1@vpc-dev",
		"endpoint vpce-1",
		"subnet subnet-a",
		"subnet subnet-b",
		"rtb rtb-private",
		"revoke sg-alb",
		"revoke sg-app",
		"sg sg-alb",
		"sg sg-app",
		"vpc vpc-dev",
	}, api.calls)
	assert.Contains(t, out.String(), "VPC(s) to delete (region=us-east-1): 1")
	assert.Contains(t, out.String(), "deleted VPC: vpc-dev")
	assert.NotContains(t, out.String(), "vpc-default")
	assert.NotContains(t, out.String(), "vpc-other")
}

func TestDeleteVPCsSelectors(t *testing.T) {
	api := shopVPCs()
	require.NoError(t, New(api, "shop", "us-east-1", nil).DeleteVPCs(context.Background(), VPCSelector{ID: "vpc-other"}))
	assert.Equal(t, []string{"vpc vpc-other"}, api.calls)

	api = shopVPCs()
	require.NoError(t, New(api, "", "us-east-1", nil).DeleteVPCs(context.Background(), VPCSelector{Prefix: "blog-"}))
	assert.Equal(t, []string{"vpc vpc-other"}, api.calls)

	err := New(shopVPCs(), "shop", "us-east-1", nil).DeleteVPCs(context.Background(), VPCSelector{ID: "vpc-default"})
	assert.ErrorContains(t, err, "default VPC")

	err = New(shopVPCs(), "", "us-east-1", nil).DeleteVPCs(context.Background(), VPCSelector{})
	assert.ErrorContains(t, err, "no project name")

	var out strings.Builder
	require.NoError(t, New(shopVPCs(), "shop", "us-east-1", &out).DeleteVPCs(context.Background(), VPCSelector{ID: "vpc-missing"}))
	assert.Contains(t, out.String(), "No VPCs match")
}

func TestDeleteVPCsKeepsVPCWithInstances(t *testing.T) {
	api := shopVPCs()
	api.resources["vpc-dev"].Instances = []string{"i-1", "i-2"}
	var out strings.Builder
	err := New(api, "shop", "us-east-1", &out).DeleteVPCs(context.Background(), VPCSelector{})
	assert.ErrorContains(t, err, "2 instance(s)")
	assert.Empty(t, api.calls)
	assert.Contains(t, out.String(), "Rerun with --delete-instances")

	api.calls = nil
	require.NoError(t, New(api, "shop", "us-east-1", nil).DeleteVPCs(context.Background(), VPCSelector{DeleteInstances: true}))
	assert.Contains(t, api.calls, "terminate i-1,i-2")
	assert.Less(t, indexOf(api.calls, "wait-nat vpc-dev"), indexOf(api.calls, "terminate i-1,i-2"))
	assert.Less(t, indexOf(api.calls, "terminate i-1,i-2"), indexOf(api.calls, "subnet subnet-a"))
}

func TestDeleteVPCsStopsBeforeVPCOnFailure(t *testing.T) {
	api := shopVPCs()
	api.broken = map[string]bool{"subnet-b": true}
	api.missing = map[string]bool{"sg-alb": true}
	var out strings.Builder
	err := New(api, "shop", "us-east-1", &out).DeleteVPCs(context.Background(), VPCSelector{})
	require.Error(t, err)
	assert.NotContains(t, api.calls, "vpc vpc-dev")
	assert.Contains(t, out.String(), "skip (not found): sg-alb")
	assert.Contains(t, out.String(), "kept VPC vpc-dev")
}

func TestDeleteVPCsDryRun(t *testing.T) {
	api := shopVPCs()
	var out strings.Builder
	require.NoError(t, New(api, "shop", "us-east-1", &out).DryRun(true).DeleteVPCs(context.Background(), VPCSelector{}))
	assert.Empty(t, api.calls)
	assert.Empty(t, api.deleted)
	assert.Contains(t, out.String(), "[dry-run] would delete NAT gateway: nat-1")
	assert.Contains(t, out.String(), "[dry-run] would delete VPC: vpc-dev")
}

func indexOf(calls []string, want string) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}
