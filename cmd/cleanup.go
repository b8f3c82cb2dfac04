package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
	"github.com/bgdnvk/stackcrew/internal/maintenance"
	"github.com/bgdnvk/stackcrew/internal/requirements"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove AWS leftovers that block a fresh terraform apply",
	Long: `Remove resources left behind by earlier runs of the same project: CloudTrail
trails, CloudWatch log groups, platform IAM roles, project S3 buckets,
unassociated Elastic IPs and whole VPCs. The project name comes from the requirements file
when one is found, else from the configuration.`,
}

// cleanupTask runs one maintenance task against the configured account.
func cleanupTask(task func(ctx context.Context, r *maintenance.Runner, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		defer sess.close()
		s := sess.settings

		project := s.Project
		if req, err := requirements.Load(requirementsPath(s, nil)); err == nil && req.Project != "" {
			project = req.Project
		}
		client, err := awsclient.NewClient(cmd.Context(), s.Profile, s.Region)
		if err != nil {
			return fmt.Errorf("failed to create AWS client: %w", err)
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		fmt.Printf("Project: %s  Region: %s\n", project, s.Region)
		return task(cmd.Context(), maintenance.New(client, project, s.Region, os.Stdout).DryRun(dryRun), cmd)
	}
}

var cleanupBlockersCmd = &cobra.Command{
	Use:   "blockers",
	Short: "Delete trails from earlier runs and optionally release EIPs",
	Args:  cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, cmd *cobra.Command) error {
		release, _ := cmd.Flags().GetBool("release-eips")
		return r.RemoveBlockers(ctx, release)
	}),
}

var cleanupLimitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Report VPC and EIP usage against the default quota",
	Args:  cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, cmd *cobra.Command) error {
		release, _ := cmd.Flags().GetBool("release-eips")
		_, err := r.ResolveLimits(ctx, release)
		return err
	}),
}

var cleanupLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Delete the project's CloudWatch log groups",
	Args:  cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, _ *cobra.Command) error {
		return r.RemoveLogGroups(ctx)
	}),
}

var cleanupIAMCmd = &cobra.Command{
	Use:   "iam",
	Short: "Delete the platform IAM roles and instance profiles",
	Args:  cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, _ *cobra.Command) error {
		return r.DeletePlatformIAM(ctx)
	}),
}

var cleanupBucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Empty and delete the project's S3 buckets",
	Args:  cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, _ *cobra.Command) error {
		return r.DeleteProjectBuckets(ctx)
	}),
}

var cleanupVPCsCmd = &cobra.Command{
	Use:   "vpcs",
	Short: "Delete VPCs with their gateways, subnets and security groups",
	Long: `Delete VPCs left by earlier runs when the region is at its VPC quota. Load
balancers, NAT gateways, internet gateways, endpoints, subnets, route tables
and security groups go first, then the VPC. By default every VPC whose Name
tag starts with "<project>-" is selected; --vpc-id or --prefix narrow it.
A VPC that still has instances is kept unless --delete-instances is given.
Default VPCs are never deleted.`,
	Args: cobra.NoArgs,
	RunE: cleanupTask(func(ctx context.Context, r *maintenance.Runner, cmd *cobra.Command) error {
		return r.DeleteVPCs(ctx, vpcSelector(cmd))
	}),
}

func vpcSelector(cmd *cobra.Command) maintenance.VPCSelector {
	var sel maintenance.VPCSelector
	sel.ID, _ = cmd.Flags().GetString("vpc-id")
	sel.Prefix, _ = cmd.Flags().GetString("prefix")
	sel.DeleteInstances, _ = cmd.Flags().GetBool("delete-instances")
	return sel
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.AddCommand(cleanupBlockersCmd, cleanupLimitsCmd, cleanupLogsCmd, cleanupIAMCmd, cleanupBucketsCmd, cleanupVPCsCmd)
	cleanupCmd.PersistentFlags().Bool("dry-run", false, "print what would be deleted")
	for _, c := range []*cobra.Command{cleanupBlockersCmd, cleanupLimitsCmd} {
		c.Flags().Bool("release-eips", false, "release unassociated Elastic IPs")
	}
	cleanupVPCsCmd.Flags().String("vpc-id", "", "delete only this VPC")
	cleanupVPCsCmd.Flags().String("prefix", "", "select VPCs whose Name tag starts with this (default \"<project>-\")")
	cleanupVPCsCmd.Flags().Bool("delete-instances", false, "terminate instances still running in a selected VPC")
}
