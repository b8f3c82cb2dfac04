package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
	"github.com/bgdnvk/stackcrew/internal/shell"
)

const (
	SSHHostTimeout = 120 * time.Second
	sshDialTimeout = 15 * time.Second
	sshPort        = "22"
)

// InstanceLister finds the running hosts of an environment.
type InstanceLister interface {
	RunningInstances(ctx context.Context, env string) ([]awsclient.Instance, error)
}

// SSHOptions configures a deploy over SSH.
type SSHOptions struct {
	Env     string
	Region  string
	Project string
	// Container is the docker container name on the hosts.
	Container string

	User       string
	KeyPath    string
	PrivateKey string

	// BastionHost, when set, is the jump host; app hosts are then reached on
	// their private IPs.
	BastionHost string
	BastionUser string

	HostTimeout time.Duration
	// Port overrides 22; tests only.
	Port string
}

// HostResult is the outcome on one app host.
type HostResult struct {
	Addr   string
	Stdout string
	Stderr string
	Err    error
}

// Summary renders "addr: OK" or "addr: FAIL stdout=.. stderr=..".
func (r HostResult) Summary() string {
	if r.Err == nil {
		return r.Addr + ": OK"
	}
	if r.Stdout == "" && r.Stderr == "" {
		return fmt.Sprintf("%s: %v", r.Addr, r.Err)
	}
	return fmt.Sprintf("%s: FAIL stdout=%s stderr=%s", r.Addr, shell.Tail(r.Stdout, 500), shell.Tail(r.Stderr, 800))
}

// ErrNoInstances is returned when discovery found nothing to deploy to.
var ErrNoInstances = errors.New("no running EC2 instances found")

// SanitizeBastionHost strips CR/LF left by terraform output on Windows and
// drops a :port suffix unless it is :22.
func SanitizeBastionHost(s string) string {
	s = strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(s))
	if host, port, ok := cutLast(s, ":"); ok {
		if n, err := strconv.Atoi(port); err == nil && n != 22 {
			s = strings.TrimSpace(host)
		}
	}
	return s
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// LoadPrivateKey returns PEM bytes from inline content (literal \n expanded)
// or from the key file.
func LoadPrivateKey(path, content string) ([]byte, error) {
	if strings.TrimSpace(content) != "" {
		return []byte(strings.ReplaceAll(content, `\n`, "\n")), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("SSH deploy requires SSH_KEY_PATH (path to private key file) or SSH_PRIVATE_KEY (key content)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return data, nil
}

// DeployTargets picks the addresses to deploy to. Bastion instances are
// skipped; with a bastion only private IPs are usable.
func DeployTargets(instances []awsclient.Instance, viaBastion bool) []string {
	var addrs []string
	for _, inst := range instances {
		if strings.Contains(strings.ToLower(inst.Name), "bastion") {
			continue
		}
		ip := inst.PrivateIP
		if !viaBastion && inst.PublicIP != "" {
			ip = inst.PublicIP
		}
		if ip != "" {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}

// RemoteScript reads the handoff parameters from SSM on the host, logs in to
// ECR, pulls the image and replaces the running container.
func RemoteScript(region, project, env, container string) string {
	return strings.Join([]string{
		"set -e",
		"export AWS_REGION=" + region,
		fmt.Sprintf("IMAGE_TAG=$(aws ssm get-parameter --name /%s/%s/image_tag --query Parameter.Value --output text 2>/dev/null || true)", project, env),
		fmt.Sprintf("ECR_REPO=$(aws ssm get-parameter --name /%s/%s/ecr_repo_name --query Parameter.Value --output text 2>/dev/null || true)", project, env),
		`if [ -z "$IMAGE_TAG" ] || [ -z "$ECR_REPO" ]; then echo MISSING_SSM; exit 1; fi`,
		"REGISTRY=$(aws sts get-caller-identity --query Account --output text).dkr.ecr.$AWS_REGION.amazonaws.com",
		"aws ecr get-login-password --region $AWS_REGION | sudo docker login --username AWS --password-stdin $REGISTRY",
		"sudo docker pull $REGISTRY/$ECR_REPO:$IMAGE_TAG",
		fmt.Sprintf("sudo docker stop %[1]s 2>/dev/null || true; sudo docker rm -f %[1]s 2>/dev/null || true", container),
		fmt.Sprintf("sudo docker run -d --name %s -p 8080:8080 --restart unless-stopped $REGISTRY/$ECR_REPO:$IMAGE_TAG", container),
	}, "; ")
}

// RunSSH discovers the env's instances and runs RemoteScript on each of
// them concurrently. Per-host failures are reported in the results; the
// error is only for failures before any host was tried.
func RunSSH(ctx context.Context, lister InstanceLister, opts SSHOptions) ([]HostResult, error) {
	key, err := LoadPrivateKey(opts.KeyPath, opts.PrivateKey)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	bastion := SanitizeBastionHost(opts.BastionHost)
	instances, err := lister.RunningInstances(ctx, opts.Env)
	if err != nil {
		return nil, err
	}
	addrs := DeployTargets(instances, bastion != "")
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w with tag Env=%s in %s", ErrNoInstances, opts.Env, opts.Region)
	}

	port := opts.Port
	if port == "" {
		port = sshPort
	}
	timeout := opts.HostTimeout
	if timeout <= 0 {
		timeout = SSHHostTimeout
	}
	user := opts.User
	if user == "" {
		user = "ec2-user"
	}
	bastionUser := opts.BastionUser
	if bastionUser == "" {
		bastionUser = "ec2-user"
	}
	script := RemoteScript(opts.Region, opts.Project, opts.Env, opts.Container)

	results := make([]HostResult, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			r := HostResult{Addr: addr}
			r.Stdout, r.Stderr, r.Err = runOnHost(hctx, hostTarget{
				addr:        net.JoinHostPort(addr, port),
				user:        user,
				bastion:     bastion,
				bastionUser: bastionUser,
				bastionPort: port,
				signer:      signer,
			}, script)
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

type hostTarget struct {
	addr        string
	user        string
	bastion     string
	bastionUser string
	bastionPort string
	signer      ssh.Signer
}

func clientConfig(user string, signer ssh.Signer) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}
}

// handshake runs the SSH handshake on conn. The handshake itself ignores
// ctx, so conn is closed when ctx ends and gets a deadline for the duration.
func handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	deadline := time.Now().Add(sshDialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// Channel conns through a bastion do not support deadlines.
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func dial(ctx context.Context, t hostTarget) (*ssh.Client, func(), error) {
	var dialer net.Dialer
	if t.bastion == "" {
		conn, err := dialer.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial: %w", err)
		}
		client, err := handshake(ctx, conn, t.addr, clientConfig(t.user, t.signer))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SSH connection: %w", err)
		}
		return client, func() { client.Close() }, nil
	}

	bastionAddr := t.bastion
	if _, _, err := net.SplitHostPort(bastionAddr); err != nil {
		bastionAddr = net.JoinHostPort(t.bastion, t.bastionPort)
	}
	conn, err := dialer.DialContext(ctx, "tcp", bastionAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial bastion %s: %w", bastionAddr, err)
	}
	jump, err := handshake(ctx, conn, bastionAddr, clientConfig(t.bastionUser, t.signer))
	if err != nil {
		return nil, nil, fmt.Errorf("bastion SSH connection failed: %w", err)
	}
	// Closing the bastion connection unblocks everything tunnelled through it.
	stop := context.AfterFunc(ctx, func() { jump.Close() })
	defer stop()

	inner, err := jump.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		jump.Close()
		return nil, nil, fmt.Errorf("bastion could not reach %s: %w", t.addr, err)
	}
	client, err := handshake(ctx, inner, t.addr, clientConfig(t.user, t.signer))
	if err != nil {
		jump.Close()
		return nil, nil, fmt.Errorf("failed to create SSH connection via bastion: %w", err)
	}
	return client, func() {
		client.Close()
		jump.Close()
	}, nil
}

func runOnHost(ctx context.Context, t hostTarget, script string) (string, string, error) {
	client, closeAll, err := dial(ctx, t)
	if err != nil {
		return "", "", err
	}
	defer closeAll()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(script)
	}()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(), fmt.Errorf("command failed: %w", err)
		}
		return stdout.String(), stderr.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", "", ctx.Err()
	}
}
