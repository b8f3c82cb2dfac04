package tools

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bgdnvk/stackcrew/internal/docker"
	"github.com/bgdnvk/stackcrew/internal/shell"
	"github.com/bgdnvk/stackcrew/internal/terraform"
)

const (
	remoteBuildTimeout = 20 * time.Minute
	immutableHint      = "ECR tag immutability is enabled. Use a unique image tag (e.g. build-YYYYMMDDTHHMMSSZ). Retry: docker_build with tag=<unique>, then ecr_push_and_ssm with that same tag."
)

// skipInBundle names directories and files left out of the remote build
// source archive.
var skipInBundle = map[string]bool{".git": true, "node_modules": true, ".env": true, ".terraform": true}

func registerBuild(r *Registry, env *Env) {
	repo := Param{Name: "ecr_repo_name", Type: "string", Description: "ECR repository, e.g. from read_ssm_ecr_repo_name", Required: true}
	tag := Param{Name: "image_tag", Type: "string", Description: "image tag, e.g. build-20260101T120000Z", Required: true}
	region := Param{Name: "aws_region", Type: "string", Description: "AWS region (defaults to the configured region)"}
	envParam := Param{Name: "env", Type: "string", Description: "dev or prod (defaults to the env in the repository name)"}

	r.mustRegister(
		Tool{
			Name:        "docker_build",
			Description: "Run 'docker build' for the app. Input: app_relative_path (default 'app'), tag. Uses APP_ROOT when set, else repo_root/app. The image is tagged app:{tag}.",
			Params: []Param{
				{Name: "app_relative_path", Type: "string", Description: "app directory relative to the repo root", Default: "app"},
				{Name: "tag", Type: "string", Description: "image tag", Default: "latest"},
			},
			Run: func(ctx context.Context, a Args) string {
				return env.dockerBuild(ctx, a.String("app_relative_path", "app"), a.String("tag", "latest"))
			},
		},
		Tool{
			Name:        "ecr_push_and_ssm",
			Description: "Push the local app:{image_tag} image to ECR and write image_tag to SSM /{project}/{env}/image_tag. Input: ecr_repo_name, image_tag, aws_region optional.",
			Params:      []Param{repo, tag, region, envParam},
			Run: func(ctx context.Context, a Args) string {
				return env.ecrPushAndSSM(ctx, a.String("ecr_repo_name", ""), a.String("image_tag", ""), a.String("aws_region", ""), a.String("env", ""))
			},
		},
		Tool{
			Name:        "remote_build_and_push",
			Description: "Build and push the image on the bootstrap build runner instead of the local docker daemon: uploads the app to the build-source bucket, runs docker build/push over SSM RunCommand and writes image_tag to SSM. Input: ecr_repo_name, image_tag optional (a unique tag is generated), aws_region optional.",
			Params: []Param{
				repo,
				{Name: "image_tag", Type: "string", Description: "image tag (default build-YYYYMMDDTHHMMSSZ)"},
				region, envParam,
				{Name: "app_relative_path", Type: "string", Description: "app directory relative to the repo root", Default: "app"},
			},
			Run: func(ctx context.Context, a Args) string {
				return env.remoteBuild(ctx, a.String("ecr_repo_name", ""), a.String("image_tag", ""), a.String("aws_region", ""), a.String("env", ""), a.String("app_relative_path", "app"))
			},
		},
		Tool{
			Name:        "read_pre_built_image_tag",
			Description: "Return PRE_BUILT_IMAGE_TAG when the image was built outside the pipeline. When set, skip docker_build and push; only write the tag to SSM.",
			Run: func(context.Context, Args) string {
				if t := strings.TrimSpace(env.Settings.PreBuiltImageTag); t != "" {
					return "PRE_BUILT_IMAGE_TAG = " + t
				}
				return "PRE_BUILT_IMAGE_TAG not set. Build the image with docker_build or remote_build_and_push."
			},
		},
		Tool{
			Name:        "write_ssm_image_tag",
			Description: "Write an image tag to SSM /{project}/{env}/image_tag without building. Input: image_tag, env (default prod), aws_region optional.",
			Params:      []Param{tag, {Name: "env", Type: "string", Description: "dev or prod", Default: "prod"}, region},
			Run: func(ctx context.Context, a Args) string {
				return env.writeImageTag(ctx, a.String("image_tag", ""), a.String("env", "prod"), a.String("aws_region", ""))
			},
		},
		Tool{
			Name:        "ecr_list_image_tags",
			Description: "List the tags in an ECR repository, newest first. Use it to pick a unique tag when the repository is immutable. Input: ecr_repo_name, aws_region optional.",
			Params:      []Param{repo, region},
			Run: func(ctx context.Context, a Args) string {
				return env.listImageTags(ctx, a.String("ecr_repo_name", ""), a.String("aws_region", ""))
			},
		},
	)
}

// envFromRepo derives dev/prod from a {project}-{env}-app repository name.
func envFromRepo(repo string) string {
	if strings.Contains(repo, "-dev-") || strings.HasSuffix(repo, "-dev") {
		return "dev"
	}
	return "prod"
}

func (e *Env) dockerBuild(ctx context.Context, rel, tag string) string {
	dir := e.Settings.AppDir(rel)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return errorf("directory not found: %s", dir)
	}
	res, err := e.Docker.Build(ctx, dir, tag)
	if err != nil {
		return dockerFailure("docker build", res, err)
	}
	return fmt.Sprintf("docker build in %s: OK (tag %s)", dir, docker.LocalImage(tag))
}

func (e *Env) ecrPushAndSSM(ctx context.Context, repo, tag, region, env string) string {
	if env == "" {
		env = envFromRepo(repo)
	}
	api, err := e.aws(ctx, region)
	if err != nil {
		return errorf("%v", err)
	}
	registry, user, password, err := api.ECRLogin(ctx)
	if err != nil {
		return "ECR login failed: " + err.Error()
	}
	uri := fmt.Sprintf("%s/%s:%s", registry, repo, tag)

	if res, err := e.Docker.Tag(ctx, docker.LocalImage(tag), uri); err != nil {
		if errors.Is(err, shell.ErrNotFound) {
			return "Error: docker not found in PATH."
		}
		return "docker tag failed: " + strings.TrimSpace(res.Stderr+" "+err.Error())
	}
	if res, err := e.Docker.Login(ctx, registry, user, password); err != nil {
		return "docker login failed: " + strings.TrimSpace(res.Stderr+" "+err.Error())
	}
	if res, err := e.Docker.Push(ctx, uri); err != nil {
		if docker.IsImmutableTagError(res.Stderr) {
			return fmt.Sprintf("docker push failed: %s\n%s", strings.TrimSpace(res.Stderr), immutableHint)
		}
		return "docker push failed: " + strings.TrimSpace(res.Stderr+" "+err.Error())
	}

	param := e.Settings.ImageTagParam(env)
	if err := api.PutParameter(ctx, param, tag); err != nil {
		return errorf("image pushed to %s but SSM put-parameter %s failed: %v", uri, param, err)
	}
	return fmt.Sprintf("ECR push and SSM update OK: %s, %s = %s", uri, param, tag)
}

func (e *Env) writeImageTag(ctx context.Context, tag, env, region string) string {
	api, err := e.aws(ctx, region)
	if err != nil {
		return errorf("%v", err)
	}
	param := e.Settings.ImageTagParam(env)
	if err := api.PutParameter(ctx, param, tag); err != nil {
		return fmt.Sprintf("SSM %s error: %s", param, clip(err.Error(), 200))
	}
	return fmt.Sprintf("SSM %s = %s (written)", param, tag)
}

func (e *Env) listImageTags(ctx context.Context, repo, region string) string {
	api, err := e.aws(ctx, region)
	if err != nil {
		return errorf("%v", err)
	}
	tags, err := api.ListImageTags(ctx, repo)
	if err != nil {
		return errorf("ecr describe-images %s: %s", repo, clip(err.Error(), 200))
	}
	if len(tags) == 0 {
		return fmt.Sprintf("ECR %s: no tagged images", repo)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ECR %s tags (newest first):", repo)
	for i, t := range tags {
		if i == 20 {
			fmt.Fprintf(&b, "\n  ... %d more", len(tags)-i)
			break
		}
		fmt.Fprintf(&b, "\n  %s  %s", t.Tag, t.PushedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// buildRunner reads the bootstrap outputs the remote build needs.
func (e *Env) buildRunner(ctx context.Context) (bucket, instanceID string, err error) {
	tf := e.tf("infra/bootstrap")
	bucket, err = tf.Output(ctx, "build_source_bucket")
	if err != nil || !terraform.ValidOutputValue(bucket) {
		return "", "", fmt.Errorf("could not read build_source_bucket from infra/bootstrap (apply bootstrap first): %v", err)
	}
	instanceID, err = tf.Output(ctx, "build_runner_instance_id")
	if err != nil || !terraform.ValidOutputValue(instanceID) {
		return "", "", fmt.Errorf("could not read build_runner_instance_id from infra/bootstrap (apply bootstrap first): %v", err)
	}
	return bucket, instanceID, nil
}

func (e *Env) remoteBuild(ctx context.Context, repo, tag, region, env, rel string) string {
	if tag == "" {
		tag = docker.UniqueTag(e.now())
	}
	if env == "" {
		env = envFromRepo(repo)
	}
	region = e.Settings.RegionOr(region)
	dir := e.Settings.AppDir(rel)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return errorf("directory not found: %s", dir)
	}

	bucket, instanceID, err := e.buildRunner(ctx)
	if err != nil {
		return errorf("%v", err)
	}
	bundle, err := zipDir(dir)
	if err != nil {
		return errorf("packaging %s: %v", dir, err)
	}
	api, err := e.aws(ctx, region)
	if err != nil {
		return errorf("%v", err)
	}
	key := fmt.Sprintf("builds/%s.zip", tag)
	fmt.Fprintf(e.Out, "[build] uploading %s (%d bytes) to s3://%s/%s\n", dir, bundle.Len(), bucket, key)
	if err := api.PutObject(ctx, bucket, key, bundle); err != nil {
		return errorf("upload to s3://%s/%s failed: %v", bucket, key, err)
	}
	registry, err := api.RegistryURI(ctx)
	if err != nil {
		return errorf("%v", err)
	}
	uri := fmt.Sprintf("%s/%s:%s", registry, repo, tag)
	param := e.Settings.ImageTagParam(env)

	res, err := api.RunShellCommand(ctx, instanceID, "stackcrew remote build "+tag,
		RemoteBuildCommands(bucket, key, registry, uri, param, tag, region), remoteBuildTimeout, e.Out)
	if err != nil {
		var stdout, stderr, status string
		if res != nil {
			stdout, stderr, status = res.Stdout, res.Stderr, res.Status
		}
		msg := fmt.Sprintf("remote build FAIL (instance %s, status=%s): %v\nstderr: %s\nstdout: %s",
			instanceID, status, err, terraform.Tail(stderr, outputTail), terraform.Tail(stdout, outputTail))
		if docker.IsImmutableTagError(stderr) {
			msg += "\n" + immutableHint
		}
		return msg
	}
	return fmt.Sprintf("Remote build and push OK: %s, %s = %s", uri, param, tag)
}

// RemoteBuildCommands is the shell the build runner executes: fetch the
// source bundle, build, push and record the tag.
func RemoteBuildCommands(bucket, key, registry, uri, param, tag, region string) []string {
	work := "/tmp/stackcrew-build-" + tag
	return []string{
		"set -e",
		fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s && cd %[1]s", work),
		fmt.Sprintf("aws s3 cp s3://%s/%s src.zip --region %s", bucket, key, region),
		"unzip -q -o src.zip",
		fmt.Sprintf("aws ecr get-login-password --region %s | docker login --username AWS --password-stdin %s", region, registry),
		fmt.Sprintf("docker build -t %s .", uri),
		fmt.Sprintf("docker push %s", uri),
		fmt.Sprintf("aws ssm put-parameter --name %s --value %s --type String --overwrite --region %s", param, tag, region),
		fmt.Sprintf("cd / && rm -rf %s", work),
	}
}

// zipDir archives dir with slash-separated relative names.
func zipDir(dir string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if skipInBundle[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
