package deploy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	awsclient "github.com/bgdnvk/stackcrew/internal/aws"
)

type fakeLister struct {
	instances []awsclient.Instance
	env       string
}

func (f *fakeLister) RunningInstances(_ context.Context, env string) ([]awsclient.Instance, error) {
	f.env = env
	return f.instances, nil
}

// sshServer is an in-process SSH server that accepts one client key, runs
// no real commands and forwards direct-tcpip channels so it can also act as
// a bastion for itself.
type sshServer struct {
	port     string
	key      string
	commands chan string
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &sshServer{
		port:     strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		key:      string(pem.EncodeToMemory(block)),
		commands: make(chan string, 16),
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(nc, cfg)
		}
	}()
	return s
}

func (s *sshServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, creqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go s.session(ch, creqs)
		case "direct-tcpip":
			var p struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
				nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
			if err != nil {
				nch.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, creqs, err := nch.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)
			go func() {
				io.Copy(target, ch)
				target.Close()
			}()
			go func() {
				io.Copy(ch, target)
				ch.Close()
			}()
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

// session answers a single exec request. Commands mentioning "broken-app"
// fail with exit status 1.
func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var p struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)
		s.commands <- p.Command
		status := uint32(0)
		if strings.Contains(p.Command, "broken-app") {
			io.WriteString(ch.Stderr(), "docker: pull access denied\n")
			status = 1
		} else {
			io.WriteString(ch, "deployed\n")
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func TestRunSSHDirect(t *testing.T) {
	srv := startSSHServer(t)
	lister := &fakeLister{instances: []awsclient.Instance{
		{ID: "i-1", Name: "shop-prod-bastion", PublicIP: "127.0.0.2"},
		{ID: "i-2", Name: "shop-prod-app", PrivateIP: "10.30.11.5", PublicIP: "127.0.0.1"},
	}}

	results, err := RunSSH(context.Background(), lister, SSHOptions{
		Env: "prod", Region: "us-east-1", Project: "shop", Container: "shop-app",
		PrivateKey: strings.ReplaceAll(srv.key, "\n", `\n`),
		Port:       srv.port,
	})
	if err != nil {
		t.Fatalf("RunSSH() error = %v", err)
	}
	if lister.env != "prod" {
		t.Errorf("discovered env = %q", lister.env)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want 1 host", results)
	}
	if results[0].Err != nil || results[0].Summary() != "127.0.0.1: OK" {
		t.Errorf("result = %+v", results[0])
	}
	cmd := <-srv.commands
	for _, want := range []string{"/shop/prod/image_tag", "/shop/prod/ecr_repo_name", "--name shop-app -p 8080:8080 --restart unless-stopped"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("remote script missing %q", want)
		}
	}
}

func TestRunSSHViaBastion(t *testing.T) {
	srv := startSSHServer(t)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte(srv.key), 0o600); err != nil {
		t.Fatal(err)
	}
	// The public IP is unroutable; only the private IP through the bastion works.
	lister := &fakeLister{instances: []awsclient.Instance{
		{ID: "i-2", Name: "app", PrivateIP: "127.0.0.1", PublicIP: "192.0.2.1"},
	}}

	results, err := RunSSH(context.Background(), lister, SSHOptions{
		Env: "dev", Region: "us-east-1", Project: "shop", Container: "shop-app",
		KeyPath:     keyPath,
		BastionHost: "127.0.0.1\r\n",
		Port:        srv.port,
	})
	if err != nil {
		t.Fatalf("RunSSH() error = %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Addr != "127.0.0.1" || strings.TrimSpace(results[0].Stdout) != "deployed" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestRunSSHHostFailure(t *testing.T) {
	srv := startSSHServer(t)
	lister := &fakeLister{instances: []awsclient.Instance{{Name: "app", PublicIP: "127.0.0.1"}}}

	results, err := RunSSH(context.Background(), lister, SSHOptions{
		Env: "prod", Region: "us-east-1", Project: "shop", Container: "broken-app",
		PrivateKey: srv.key,
		Port:       srv.port,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := results[0].Summary()
	if !strings.HasPrefix(got, "127.0.0.1: FAIL") || !strings.Contains(got, "pull access denied") {
		t.Errorf("Summary() = %q", got)
	}
}

func TestRunSSHPreconditions(t *testing.T) {
	ctx := context.Background()
	if _, err := RunSSH(ctx, &fakeLister{}, SSHOptions{Env: "prod"}); err == nil || !strings.Contains(err.Error(), "SSH_KEY_PATH") {
		t.Errorf("missing key error = %v", err)
	}
	srv := startSSHServer(t)
	_, err := RunSSH(ctx, &fakeLister{instances: []awsclient.Instance{{Name: "prod-bastion", PublicIP: "1.2.3.4"}}}, SSHOptions{
		Env: "prod", Region: "us-east-1", PrivateKey: srv.key,
	})
	if !errors.Is(err, ErrNoInstances) {
		t.Errorf("RunSSH() error = %v, want ErrNoInstances", err)
	}
}

func TestSanitizeBastionHost(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{" 54.1.2.3\r\n", "54.1.2.3"},
		{"54.1.2.3:2222", "54.1.2.3"},
		{"54.1.2.3:22", "54.1.2.3:22"},
		{"bastion.example.com", "bastion.example.com"},
	}
	for _, tt := range tests {
		if got := SanitizeBastionHost(tt.in); got != tt.want {
			t.Errorf("SanitizeBastionHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeployTargets(t *testing.T) {
	instances := []awsclient.Instance{
		{Name: "Bastion", PublicIP: "1.1.1.1", PrivateIP: "10.0.0.1"},
		{Name: "app-a", PublicIP: "2.2.2.2", PrivateIP: "10.0.0.2"},
		{Name: "app-b", PrivateIP: "10.0.0.3"},
		{Name: "app-c"},
	}
	if got := strings.Join(DeployTargets(instances, false), ","); got != "2.2.2.2,10.0.0.3" {
		t.Errorf("direct targets = %q", got)
	}
	if got := strings.Join(DeployTargets(instances, true), ","); got != "10.0.0.2,10.0.0.3" {
		t.Errorf("bastion targets = %q", got)
	}
}

func TestDialStalledHandshakeHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	// Accept and never send the SSH banner.
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err = dial(ctx, hostTarget{addr: ln.Addr().String(), user: "ec2-user", signer: signer})
	if err == nil {
		t.Fatal("dial() to a silent server succeeded")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("dial() took %s, want it bounded by the context", elapsed)
	}
}
