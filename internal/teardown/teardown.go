// Package teardown destroys a generated project's infrastructure in reverse
// order: prod, dev, then the bootstrap backend.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
	"github.com/bgdnvk/stackcrew/internal/config"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

// API is the AWS surface teardown needs. *awsclient.Client implements it.
type API interface {
	GetParameter(ctx context.Context, name string) (string, error)
	DeleteRepository(ctx context.Context, repo string, force bool) error
	EmptyBucket(ctx context.Context, bucket string) (int, error)
}

var _ API = (*awsclient.Client)(nil)

// ErrOutputDirMissing is returned when the output directory does not exist.
var ErrOutputDirMissing = errors.New("output directory not found")

type root struct {
	rel     string
	env     string
	varFile string
	backend string
}

var order = []root{
	{rel: "infra/envs/prod", env: "prod", varFile: "prod.tfvars", backend: "backend.hcl"},
	{rel: "infra/envs/dev", env: "dev", varFile: "dev.tfvars", backend: "backend.hcl"},
	{rel: "infra/bootstrap"},
}

// Plan describes the roots Destroy visits, in order.
func Plan() []string {
	out := make([]string, 0, len(order))
	for _, r := range order {
		line := r.rel
		if r.varFile != "" {
			line += " (with -var-file=" + r.varFile + ")"
		}
		out = append(out, line)
	}
	return out
}

type options struct {
	api             API
	continueOnError bool
}

type Option func(*options)

// WithAPI replaces the SDK client built from the settings.
func WithAPI(api API) Option {
	return func(o *options) { o.api = api }
}

// ContinueOnError keeps destroying the remaining roots after a failed
// destroy; the returned error then lists every failure.
func ContinueOnError() Option {
	return func(o *options) { o.continueOnError = true }
}

// Destroy tears down everything under s.RepoRoot. Progress is written to w.
// A root whose init fails is skipped; a failed destroy stops the run unless
// ContinueOnError is set.
func Destroy(ctx context.Context, s *config.Settings, w io.Writer, opts ...Option) error {
	if w == nil {
		w = io.Discard
	}
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}

	rootDir, err := filepath.Abs(s.RepoRoot)
	if err != nil {
		return err
	}
	if st, err := os.Stat(rootDir); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s (use the same output directory as the pipeline run)", ErrOutputDirMissing, rootDir)
	}

	if o.api == nil {
		c, err := awsclient.NewClient(ctx, s.Profile, s.Region)
		if err != nil {
			return fmt.Errorf("aws client: %w", err)
		}
		o.api = c
	}

	fmt.Fprintf(w, "[destroy] output directory: %s\n", rootDir)
	if err := refreshBackends(ctx, rootDir); err != nil {
		fmt.Fprintf(w, "[destroy] note: %v. Dev/prod backend.hcl may point to a missing bucket if bootstrap was already destroyed.\n", err)
	}

	var failures []error
	for _, r := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := filepath.Join(rootDir, filepath.FromSlash(r.rel))
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			fmt.Fprintf(w, "[destroy] skip %s: not a directory\n", r.rel)
			continue
		}
		fmt.Fprintf(w, "[destroy] --- %s ---\n", r.rel)

		tf := terraform.NewClient(dir)
		if res, err := tf.Reinit(ctx, r.backend); err != nil {
			fmt.Fprintf(w, "[destroy]   init failed: %s\n", terraform.Tail(res.Combined(), 500))
			fmt.Fprintf(w, "[destroy]   skipping destroy (init failed)\n")
			if r.backend != "" && terraform.IsBucketMissing(res.Combined()) {
				fmt.Fprintf(w, "[destroy]   hint: the S3 backend bucket may have been destroyed. Use the same output directory as the pipeline run and destroy bootstrap last.\n")
			}
			continue
		}

		if r.env != "" {
			deleteECR(ctx, tf, o.api, s, r.env, w)
		} else {
			emptyStateBucket(ctx, tf, o.api, w)
		}

		res, err := tf.Destroy(ctx, r.varFile)
		if err != nil {
			fmt.Fprintf(w, "[destroy]   destroy failed: %s\n", terraform.Tail(res.Combined(), 800))
			failure := fmt.Errorf("destroy %s: %w", r.rel, err)
			if !o.continueOnError {
				return failure
			}
			failures = append(failures, failure)
			continue
		}
		fmt.Fprintf(w, "[destroy]   %s destroyed\n", r.rel)
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	fmt.Fprintln(w, "[destroy] destroy complete")
	return nil
}

// refreshBackends points the env backends at the bootstrap state bucket
// before they are initialised.
func refreshBackends(ctx context.Context, rootDir string) error {
	dir := filepath.Join(rootDir, "infra", "bootstrap")
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	if _, err := terraform.NewClient(dir).Reinit(ctx, ""); err != nil {
		return errors.New("bootstrap init failed")
	}
	_, _, err := terraform.UpdateBackendFromBootstrap(ctx, rootDir)
	return err
}

// deleteECR force-deletes the env's repository so terraform destroy does not
// fail on a non-empty repo. The name comes from the ecr_repo output, else SSM.
func deleteECR(ctx context.Context, tf *terraform.Client, api API, s *config.Settings, env string, w io.Writer) {
	name, err := tf.Output(ctx, "ecr_repo")
	if err != nil || !terraform.ValidOutputValue(name) {
		name, err = api.GetParameter(ctx, s.ECRRepoParam(env))
		if err != nil {
			name = ""
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	fmt.Fprintf(w, "[destroy]   force-deleting ECR repo: %s\n", name)
	if err := api.DeleteRepository(ctx, name, true); err != nil && !awsclient.IsNotFound(err) {
		fmt.Fprintf(w, "[destroy]   ECR delete failed: %v\n", err)
	}
}

// emptyStateBucket removes the env state files so bootstrap destroy can
// delete the versioned bucket.
func emptyStateBucket(ctx context.Context, tf *terraform.Client, api API, w io.Writer) {
	bucket, err := tf.Output(ctx, "tfstate_bucket")
	if err != nil || !terraform.ValidOutputValue(bucket) {
		return
	}
	fmt.Fprintf(w, "[destroy]   emptying backend bucket: %s\n", bucket)
	n, err := api.EmptyBucket(ctx, bucket)
	if err != nil {
		fmt.Fprintf(w, "[destroy]   empty bucket failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "[destroy]   removed %d objects\n", n)
}
