// Package docker drives the local docker CLI for the Build stage.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bgdnvk/stackcrew/internal/shell"
)

const (
	BuildTimeout = 300 * time.Second
	PushTimeout  = 300 * time.Second
	TagTimeout   = 10 * time.Second
	LoginTimeout = 30 * time.Second
	infoTimeout  = 4 * time.Second
)

type Client struct {
	bin string
	w   io.Writer
}

// NewClient returns a client that streams docker output to w (nil discards).
func NewClient(w io.Writer) *Client {
	if w == nil {
		w = io.Discard
	}
	return &Client{bin: "docker", w: w}
}

func (c *Client) run(ctx context.Context, timeout time.Duration, dir string, stdin io.Reader, args ...string) (shell.Result, error) {
	return shell.Run(ctx, shell.Cmd{
		Name:    c.bin,
		Args:    args,
		Dir:     dir,
		Stdin:   stdin,
		Timeout: timeout,
		Stream:  c.w,
	})
}

// LocalImage is the tag docker_build produces and ecr_push_and_ssm pushes.
func LocalImage(tag string) string {
	return "app:" + tag
}

// Build runs docker build in dir and tags the result app:{tag}.
func (c *Client) Build(ctx context.Context, dir, tag string) (shell.Result, error) {
	return c.BuildImage(ctx, dir, LocalImage(tag))
}

// BuildImage runs docker build in dir with an arbitrary image reference.
func (c *Client) BuildImage(ctx context.Context, dir, image string) (shell.Result, error) {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return shell.Result{}, fmt.Errorf("directory not found: %s", dir)
	}
	fmt.Fprintf(c.w, "[docker] building %s from %s\n", image, dir)
	return c.run(ctx, BuildTimeout, dir, nil, "build", "-t", image, ".")
}

func (c *Client) Tag(ctx context.Context, src, dst string) (shell.Result, error) {
	return c.run(ctx, TagTimeout, "", nil, "tag", src, dst)
}

// Login authenticates against registry, passing the password on stdin.
func (c *Client) Login(ctx context.Context, registry, user, password string) (shell.Result, error) {
	fmt.Fprintf(c.w, "[docker] authenticating to %s...\n", registry)
	return c.run(ctx, LoginTimeout, "", strings.NewReader(password), "login", "--username", user, "--password-stdin", registry)
}

func (c *Client) Push(ctx context.Context, ref string) (shell.Result, error) {
	fmt.Fprintf(c.w, "[docker] pushing %s\n", ref)
	return c.run(ctx, PushTimeout, "", nil, "push", ref)
}

// Available reports whether the docker CLI is installed and its daemon answers.
func (c *Client) Available(ctx context.Context) bool {
	if !shell.Available(c.bin) {
		return false
	}
	_, err := shell.Run(ctx, shell.Cmd{Name: c.bin, Args: []string{"info"}, Timeout: infoTimeout})
	return err == nil
}

// IsImmutableTagError reports a push rejected because the repository has
// tag immutability enabled and the tag already exists.
func IsImmutableTagError(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "immutable") || strings.Contains(lower, "cannot be overwritten")
}

// UniqueTag returns a build-YYYYMMDDTHHMMSSZ tag for immutable repositories.
func UniqueTag(now time.Time) string {
	return "build-" + now.UTC().Format("20060102T150405Z")
}
