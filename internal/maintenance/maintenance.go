// Package maintenance removes AWS leftovers that make a fresh terraform
// apply fail: trails and log groups from earlier runs, stale IAM roles,
// quota-eating Elastic IPs and VPCs, and project buckets.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
)

// LimitWarnAt is the default per-region VPC and EIP quota.
const LimitWarnAt = 5

var envs = []string{"dev", "prod"}

// API is the part of the AWS client maintenance tasks use.
type API interface {
	DeleteTrail(ctx context.Context, name string) error
	ListVPCs(ctx context.Context) ([]awsclient.VPC, error)
	ListAddresses(ctx context.Context) ([]awsclient.Address, error)
	ReleaseAddress(ctx context.Context, allocationID string) error
	DeleteLogGroup(ctx context.Context, name string) error
	DeleteRole(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, prefixes ...string) ([]string, error)
	EmptyBucket(ctx context.Context, bucket string) (int, error)
	DeleteBucket(ctx context.Context, bucket string) error

	VPCResources(ctx context.Context, vpcID string) (*awsclient.VPCResources, error)
	DeleteLoadBalancer(ctx context.Context, arn string) error
	DeleteNATGateway(ctx context.Context, id string) error
	WaitNATGatewaysDeleted(ctx context.Context, vpcID string) error
	TerminateInstances(ctx context.Context, ids []string) error
	DeleteInternetGateway(ctx context.Context, id, vpcID string) error
	DeleteVPCEndpoint(ctx context.Context, id string) error
	DeleteSubnet(ctx context.Context, id string) error
	DeleteRouteTable(ctx context.Context, id string) error
	RevokeSecurityGroupRules(ctx context.Context, id string) error
	DeleteSecurityGroup(ctx context.Context, id string) error
	DeleteVPC(ctx context.Context, id string) error
}

// Runner executes maintenance tasks for one project and region, printing
// one line per resource to w.
type Runner struct {
	api     API
	project string
	region  string
	w       io.Writer
	dryRun  bool
}

func New(api API, project, region string, w io.Writer) *Runner {
	if w == nil {
		w = io.Discard
	}
	return &Runner{api: api, project: project, region: region, w: w}
}

// DryRun makes every destructive call print what it would do instead.
func (r *Runner) DryRun(v bool) *Runner {
	r.dryRun = v
	return r
}

// remove runs del for one named resource, treating "not found" as done.
func (r *Runner) remove(kind, name string, del func() error) error {
	if r.dryRun {
		fmt.Fprintf(r.w, "  [dry-run] would delete %s: %s\n", kind, name)
		return nil
	}
	err := del()
	switch {
	case err == nil:
		fmt.Fprintf(r.w, "  deleted %s: %s\n", kind, name)
		return nil
	case awsclient.IsNotFound(err):
		fmt.Fprintf(r.w, "  skip (not found): %s\n", name)
		return nil
	}
	fmt.Fprintf(r.w, "  failed %s: %v\n", name, err)
	return fmt.Errorf("%s %s: %w", kind, name, err)
}

// TrailNames are the per-env trails the platform module creates.
func TrailNames(project string) []string {
	return []string{project + "-dev-trail", project + "-prod-trail"}
}

// RemoveBlockers deletes the dev/prod CloudTrail trails, and with
// releaseEIPs also releases unassociated Elastic IPs.
func (r *Runner) RemoveBlockers(ctx context.Context, releaseEIPs bool) error {
	fmt.Fprintf(r.w, "CloudTrail trails to remove (region=%s):\n", r.region)
	var errs []error
	for _, name := range TrailNames(r.project) {
		errs = append(errs, r.remove("trail", name, func() error { return r.api.DeleteTrail(ctx, name) }))
	}
	if releaseEIPs {
		_, unassoc, err := r.addresses(ctx)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		fmt.Fprintf(r.w, "Unassociated Elastic IPs to release: %d\n", len(unassoc))
		_, err = r.release(ctx, unassoc)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) addresses(ctx context.Context) (assoc, unassoc []awsclient.Address, err error) {
	addrs, err := r.api.ListAddresses(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		if a.Associated() {
			assoc = append(assoc, a)
		} else {
			unassoc = append(unassoc, a)
		}
	}
	return assoc, unassoc, nil
}

func (r *Runner) release(ctx context.Context, addrs []awsclient.Address) (int, error) {
	var errs []error
	released := 0
	for _, a := range addrs {
		if r.dryRun {
			fmt.Fprintf(r.w, "  [dry-run] would release EIP: %s\n", a.AllocationID)
			continue
		}
		if err := r.api.ReleaseAddress(ctx, a.AllocationID); err != nil {
			fmt.Fprintf(r.w, "  failed %s: %v\n", a.AllocationID, err)
			errs = append(errs, fmt.Errorf("release %s: %w", a.AllocationID, err))
			continue
		}
		fmt.Fprintf(r.w, "  released EIP: %s\n", a.AllocationID)
		released++
	}
	return released, errors.Join(errs...)
}

// LimitsReport summarizes VPC and EIP usage against the default quota.
type LimitsReport struct {
	VPCs         []awsclient.VPC
	Associated   []awsclient.Address
	Unassociated []awsclient.Address
	Released     int
}

func (l *LimitsReport) VPCsAtLimit() bool { return len(l.VPCs) >= LimitWarnAt }

func (l *LimitsReport) EIPsAtLimit() bool {
	return len(l.Associated)+len(l.Unassociated) >= LimitWarnAt
}

// ResolveLimits reports VPC/EIP usage and, with releaseEIPs, releases the
// unassociated addresses. Each env needs one VPC and one EIP for its NAT
// gateway.
func (r *Runner) ResolveLimits(ctx context.Context, releaseEIPs bool) (*LimitsReport, error) {
	fmt.Fprintf(r.w, "AWS Region: %s\n", r.region)
	fmt.Fprintln(r.w, "Default limits: 5 VPCs, 5 EIPs per region. Dev+prod need 2 VPCs and 2 EIPs (NAT gateways).")

	vpcs, err := r.api.ListVPCs(ctx)
	if err != nil {
		return nil, err
	}
	rep := &LimitsReport{VPCs: vpcs}
	fmt.Fprintf(r.w, "VPCs in region: %d\n", len(vpcs))
	for _, v := range vpcs {
		name := v.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(r.w, "  - %s  Name=%s  %s\n", v.ID, name, v.CIDR)
	}

	rep.Associated, rep.Unassociated, err = r.addresses(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(r.w, "Elastic IPs: %d total (%d associated, %d unassociated)\n",
		len(rep.Associated)+len(rep.Unassociated), len(rep.Associated), len(rep.Unassociated))
	for _, a := range rep.Unassociated {
		fmt.Fprintf(r.w, "  - %s  %s  (unassociated)\n", a.AllocationID, a.PublicIP)
	}

	if rep.VPCsAtLimit() {
		fmt.Fprintln(r.w, "WARNING: You have 5+ VPCs. Default limit is 5. Delete unused VPCs (stackcrew cleanup vpcs --dry-run first).")
	}
	if rep.EIPsAtLimit() && !releaseEIPs {
		fmt.Fprintln(r.w, "WARNING: You have 5+ EIPs. Default limit is 5. Release unassociated EIPs (stackcrew cleanup limits --release-eips).")
	}

	if !releaseEIPs {
		return rep, nil
	}
	if len(rep.Unassociated) == 0 {
		fmt.Fprintln(r.w, "No unassociated EIPs to release.")
		return rep, nil
	}
	fmt.Fprintf(r.w, "Releasing %d unassociated EIPs...\n", len(rep.Unassociated))
	rep.Released, err = r.release(ctx, rep.Unassociated)
	return rep, err
}

// LogGroupNames are the groups the platform module creates per env.
func LogGroupNames(project string) []string {
	var names []string
	for _, env := range envs {
		names = append(names,
			fmt.Sprintf("/%s/%s/docker", project, env),
			fmt.Sprintf("/%s/%s/system", project, env),
			fmt.Sprintf("/ecs/%s-%s-app", project, env),
		)
	}
	return names
}

// RemoveLogGroups deletes the platform's CloudWatch log groups so a
// re-apply does not hit ResourceAlreadyExistsException.
func (r *Runner) RemoveLogGroups(ctx context.Context) error {
	fmt.Fprintf(r.w, "CloudWatch log groups to remove (region=%s):\n", r.region)
	var errs []error
	for _, name := range LogGroupNames(r.project) {
		errs = append(errs, r.remove("log group", name, func() error { return r.api.DeleteLogGroup(ctx, name) }))
	}
	return errors.Join(errs...)
}

// RoleNames are the IAM roles the bootstrap and platform modules create.
func RoleNames(project string) []string {
	var names []string
	for _, env := range envs {
		names = append(names,
			fmt.Sprintf("%s-%s-ec2-role", project, env),
			fmt.Sprintf("%s-%s-codedeploy-role", project, env),
		)
	}
	return append(names, project+"-build-runner")
}

// DeletePlatformIAM deletes the platform roles with their policies and
// instance profiles.
func (r *Runner) DeletePlatformIAM(ctx context.Context) error {
	fmt.Fprintln(r.w, "IAM roles to remove:")
	var errs []error
	for _, name := range RoleNames(r.project) {
		errs = append(errs, r.remove("role", name, func() error { return r.api.DeleteRole(ctx, name) }))
	}
	return errors.Join(errs...)
}

// BucketPrefixes are the name prefixes of every bucket the project creates.
func BucketPrefixes(project string) []string {
	prefixes := []string{project + "-tfstate-", project + "-cloudtrail-", project + "-build-source-"}
	for _, env := range envs {
		prefixes = append(prefixes, fmt.Sprintf("%s-%s-artifacts-", project, env))
	}
	return prefixes
}

// DeleteProjectBuckets empties (all versions) and deletes the project's
// buckets.
func (r *Runner) DeleteProjectBuckets(ctx context.Context) error {
	buckets, err := r.api.ListBuckets(ctx, BucketPrefixes(r.project)...)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		fmt.Fprintf(r.w, "No buckets found for project %s.\n", r.project)
		return nil
	}
	fmt.Fprintf(r.w, "Bucket(s) to delete: %d\n", len(buckets))
	var errs []error
	for _, b := range buckets {
		errs = append(errs, r.remove("bucket", b, func() error {
			n, err := r.api.EmptyBucket(ctx, b)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.w, "  emptied %s (%d objects)\n", b, n)
			return r.api.DeleteBucket(ctx, b)
		}))
	}
	return errors.Join(errs...)
}

// VPCSelector picks the VPCs DeleteVPCs removes. ID wins over Prefix, which
// matches the Name tag. An empty selector means the project's own VPCs
// ("<project>-*").
type VPCSelector struct {
	ID     string
	Prefix string
	// DeleteInstances terminates instances still in a VPC. Without it such
	// a VPC is left alone.
	DeleteInstances bool
}

// DeleteVPCs deletes the selected VPCs with everything inside them, so a
// region at its VPC quota can take a fresh apply. Default VPCs are never
// touched.
func (r *Runner) DeleteVPCs(ctx context.Context, sel VPCSelector) error {
	vpcs, err := r.matchVPCs(ctx, sel)
	if err != nil {
		return err
	}
	if len(vpcs) == 0 {
		fmt.Fprintf(r.w, "No VPCs match (region=%s).\n", r.region)
		return nil
	}
	fmt.Fprintf(r.w, "VPC(s) to delete (region=%s): %d\n", r.region, len(vpcs))
	var errs []error
	for _, v := range vpcs {
		errs = append(errs, r.deleteVPC(ctx, v, sel.DeleteInstances))
	}
	return errors.Join(errs...)
}

func (r *Runner) matchVPCs(ctx context.Context, sel VPCSelector) ([]awsclient.VPC, error) {
	prefix := sel.Prefix
	if sel.ID == "" && prefix == "" {
		if r.project == "" {
			return nil, errors.New("no project name: pass a VPC id or a name prefix")
		}
		prefix = r.project + "-"
	}
	all, err := r.api.ListVPCs(ctx)
	if err != nil {
		return nil, err
	}
	var out []awsclient.VPC
	for _, v := range all {
		switch {
		case sel.ID != "":
			if v.ID != sel.ID {
				continue
			}
			if v.Default {
				return nil, fmt.Errorf("%s is the region's default VPC", v.ID)
			}
		case v.Default || !strings.HasPrefix(v.Name, prefix):
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Runner) deleteVPC(ctx context.Context, v awsclient.VPC, deleteInstances bool) error {
	fmt.Fprintf(r.w, "VPC %s (Name=%s, %s):\n", v.ID, v.Name, v.CIDR)
	res, err := r.api.VPCResources(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("vpc %s: %w", v.ID, err)
	}
	if len(res.Instances) > 0 && !deleteInstances {
		fmt.Fprintf(r.w, "  kept: %d instance(s) still in the VPC (%s). Rerun with --delete-instances.\n",
			len(res.Instances), strings.Join(res.Instances, ", "))
		return fmt.Errorf("vpc %s: %d instance(s) still in the VPC", v.ID, len(res.Instances))
	}

	var errs []error
	each := func(kind string, ids []string, del func(id string) error) {
		for _, id := range ids {
			errs = append(errs, r.remove(kind, id, func() error { return del(id) }))
		}
	}

	each("load balancer", res.LoadBalancers, func(arn string) error { return r.api.DeleteLoadBalancer(ctx, arn) })
	each("NAT gateway", res.NATGateways, func(id string) error { return r.api.DeleteNATGateway(ctx, id) })
	if len(res.NATGateways) > 0 && !r.dryRun {
		fmt.Fprintln(r.w, "  waiting for NAT gateways to finish deleting...")
		errs = append(errs, r.api.WaitNATGatewaysDeleted(ctx, v.ID))
	}
	if len(res.Instances) > 0 {
		ids := strings.Join(res.Instances, ", ")
		errs = append(errs, r.remove("instances", ids, func() error { return r.api.TerminateInstances(ctx, res.Instances) }))
	}
	each("internet gateway", res.InternetGateways, func(id string) error { return r.api.DeleteInternetGateway(ctx, id, v.ID) })
	each("VPC endpoint", res.Endpoints, func(id string) error { return r.api.DeleteVPCEndpoint(ctx, id) })
	each("subnet", res.Subnets, func(id string) error { return r.api.DeleteSubnet(ctx, id) })
	each("route table", res.RouteTables, func(id string) error { return r.api.DeleteRouteTable(ctx, id) })
	if !r.dryRun {
		for _, id := range res.SecurityGroups {
			if err := r.api.RevokeSecurityGroupRules(ctx, id); err != nil && !awsclient.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("revoke rules of %s: %w", id, err))
			}
		}
	}
	each("security group", res.SecurityGroups, func(id string) error { return r.api.DeleteSecurityGroup(ctx, id) })

	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(r.w, "  kept VPC %s: some dependencies could not be removed\n", v.ID)
		return err
	}
	return r.remove("VPC", v.ID, func() error { return r.api.DeleteVPC(ctx, v.ID) })
}
