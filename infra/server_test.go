package infra

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	"github.com/harborci/e2ebot/poll"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp 203.0.113.7:22: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifySSHDial(t *testing.T) {
	var netErr net.Error = timeoutErr{}
	cases := []struct {
		err   error
		ready bool
	}{
		{nil, true},
		{xerrors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none]"), true},
		{xerrors.New("connection reset during banner exchange"), false},
		{netErr, false},
		{xerrors.Errorf("dial: %w", netErr), false},
	}

	for _, test := range cases {
		if ready := sshReady(test.err); ready != test.ready {
			t.Errorf("classifySSHDial(%v) ready = %v, want %v", test.err, ready, test.ready)
		}
	}
}

// sshReady evaluates one classification through a
// zero-budget wait: a retryable outcome times out
// immediately, a ready outcome succeeds.
func sshReady(dialErr error) bool {
	_, err := poll.Wait(context.Background(), func(ctx context.Context) poll.Result[struct{}] {
		return classifySSHDial(dialErr)
	}, 0, time.Millisecond)
	return err == nil
}

func TestLookupImage(t *testing.T) {
	img, err := LookupImage(e2ebot.ServerDefinition{Platform: "linux", Variant: "ubuntu-22.04", Arch: "arm64"})
	if err != nil {
		t.Fatal(err)
	}
	if img.InstanceType != "t4g.micro" || img.Username != "ubuntu" {
		t.Errorf("image = %+v", img)
	}

	if _, err := LookupImage(e2ebot.ServerDefinition{Platform: "beos", Variant: "r5", Arch: "ppc"}); err == nil {
		t.Error("LookupImage err = nil for unknown definition")
	}
}

func TestRenderInventory(t *testing.T) {
	pb := Playbook{
		Name:  "harborci-runner",
		Group: "harborci-runners",
		Vars: []string{
			"runner_env_runner_api_endpoints=https://runner1.e2e.example.com/",
			"runner_env_dynamic_api_endpoint=https://app1.e2e.example.com/api/v1",
		},
	}
	got := renderInventory(pb, "203.0.113.7", "ubuntu", "/tmp/key.pem")

	for _, want := range []string{
		"[harborci-runners]\n",
		"203.0.113.7 ansible_user=ubuntu ansible_ssh_private_key_file=/tmp/key.pem",
		"ansible_ssh_common_args='-o StrictHostKeyChecking=no'",
		"[harborci-runners:vars]\n",
		"runner_env_runner_api_endpoints=https://runner1.e2e.example.com/\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("inventory missing %q:\n%s", want, got)
		}
	}
}

func TestRenderInventoryNoVars(t *testing.T) {
	got := renderInventory(Playbook{Group: "g"}, "h", "u", "k")
	if strings.Contains(got, ":vars") {
		t.Errorf("inventory has empty vars section:\n%s", got)
	}
}

func TestParseCopyHeader(t *testing.T) {
	cases := []struct {
		header string
		size   int64
		ok     bool
	}{
		{"C0644 1234 cert.pem\n", 1234, true},
		{"C0644 0 empty\n", 0, true},
		{"D0755 0 dir\n", 0, false},
		{"C0644 x name\n", 0, false},
		{"", 0, false},
	}

	for _, test := range cases {
		size, err := parseCopyHeader(test.header)
		if test.ok && err != nil {
			t.Errorf("parseCopyHeader(%q) err = %v", test.header, err)
		}
		if !test.ok && err == nil {
			t.Errorf("parseCopyHeader(%q) err = nil, want error", test.header)
		}
		if size != test.size {
			t.Errorf("parseCopyHeader(%q) = %d, want %d", test.header, size, test.size)
		}
	}
}

func TestWaitForSSHUnreachableTimesOut(t *testing.T) {
	s := &Server{
		Name:       "s1",
		PublicIP:   "127.0.0.1",
		Username:   "ubuntu",
		Connection: "ssh",
	}
	// Port 22 on localhost is assumed closed in CI; either
	// way, the probe must classify the dial failure and the
	// wait must respect its deadline.
	start := time.Now()
	err := s.WaitForSSH(context.Background(), 50*time.Millisecond, 10*time.Millisecond)
	if elapsed := time.Since(start); err != nil && elapsed < 50*time.Millisecond {
		t.Errorf("WaitForSSH gave up after %v, before the deadline", elapsed)
	}
}
