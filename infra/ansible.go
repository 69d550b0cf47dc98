package infra

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	"github.com/harborci/e2ebot/log"
)

// ansibleDir holds the checked-in Ansible material:
// requirements.yml, playbooks/, and inventory/group_vars.
var ansibleDir = orEnv("E2E_ANSIBLE_DIR", "../build/ansible")

func orEnv(name, d string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return d
}

// A Playbook names an Ansible playbook to run against one
// server and the inventory group and variables it expects.
type Playbook struct {
	Name  string   // playbook file name, without .yml
	Group string   // inventory group the server joins
	Vars  []string // key=value pairs for [group:vars]
}

// ExecPlaybook provisions the server with the playbook.
// The server's SSH key and a one-host inventory are
// written to a scratch directory; ansible-galaxy and
// ansible-playbook run locally and connect out to the
// server. Their output is streamed to stdout prefixed
// with the server name.
func ExecPlaybook(ctx context.Context, s *Server, pb Playbook) error {
	if s.Connection != "ssh" {
		return xerrors.Errorf("unsupported connection type %s", s.Connection)
	}
	log.Printkv(ctx, "at", "exec-playbook", "server", s.Name, "playbook", pb.Name)
	if err := s.WaitForSSH(ctx, sshReadyWait, sshReadyPeriod); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "e2ebot-ansible")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	keyPath := filepath.Join(dir, keyName+".pem")
	if err := os.WriteFile(keyPath, []byte(s.privateKey), 0600); err != nil {
		return err
	}
	invPath := filepath.Join(dir, "inventory.ini")
	inv := renderInventory(pb, s.PublicIP, s.Username, keyPath)
	if err := os.WriteFile(invPath, []byte(inv), 0644); err != nil {
		return err
	}
	// group_vars must sit beside the inventory for
	// ansible to pick them up.
	err = e2ebot.CopyTree(filepath.Join(ansibleDir, "inventory", "group_vars"), filepath.Join(dir, "group_vars"))
	if err != nil {
		return xerrors.Errorf("copying group_vars: %w", err)
	}

	out := e2ebot.PrefixWriter(os.Stdout, s.Name+" | ")
	err = run(ctx, out, "ansible-galaxy", "install", "-r", filepath.Join(ansibleDir, "requirements.yml"))
	if err != nil {
		return xerrors.Errorf("ansible-galaxy: %w", err)
	}
	err = run(ctx, out, "ansible-playbook", "-i", invPath, filepath.Join(ansibleDir, "playbooks", pb.Name+".yml"))
	if err != nil {
		return xerrors.Errorf("ansible-playbook %s on %s: %w", pb.Name, s.Name, err)
	}
	return nil
}

// renderInventory produces a one-host INI inventory for
// the playbook's group.
func renderInventory(pb Playbook, host, user, keyPath string) string {
	var b strings.Builder
	b.WriteString("[" + pb.Group + "]\n")
	b.WriteString(host +
		" ansible_user=" + user +
		" ansible_ssh_private_key_file=" + keyPath +
		" ansible_ssh_common_args='-o StrictHostKeyChecking=no'\n")
	if len(pb.Vars) > 0 {
		b.WriteString("\n[" + pb.Group + ":vars]\n")
		for _, v := range pb.Vars {
			b.WriteString(v + "\n")
		}
	}
	return b.String()
}

func run(ctx context.Context, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
