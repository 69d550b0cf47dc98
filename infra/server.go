package infra

import (
	"bytes"
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/poll"
)

const (
	sshPort        = "22"
	sshReadyWait   = 60 * time.Second
	sshReadyPeriod = 5 * time.Second
)

// A Server is a handle on one deployed EC2 instance.
// The SSH connection is established lazily on first use.
type Server struct {
	Name       string
	Platform   string
	InstanceID string
	PublicIP   string
	PrivateIP  string
	Username   string
	Connection string // ssh or winrm

	privateKey string // PEM, from SSM
	client     *ssh.Client
}

// Connect establishes the server's SSH connection if it
// is not already established, first waiting for sshd to
// come up on the new instance.
func (s *Server) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if s.Connection != "ssh" {
		return xerrors.Errorf("unsupported connection type %s", s.Connection)
	}
	if err := s.WaitForSSH(ctx, sshReadyWait, sshReadyPeriod); err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey([]byte(s.privateKey))
	if err != nil {
		return xerrors.Errorf("parsing e2e ssh key: %w", err)
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(s.PublicIP, sshPort), &ssh.ClientConfig{
		User: s.Username,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Instances are created and destroyed per run;
		// there is no stable host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return xerrors.Errorf("ssh connect to %s: %w", s.PublicIP, err)
	}
	s.client = client
	return nil
}

// Close tears down the SSH connection, if any.
func (s *Server) Close() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// WaitForSSH blocks until an SSH transport can be
// established against the server's public address, or
// until timeout. The probe dials without credentials;
// an authentication failure still proves sshd is up,
// which is all the harness needs before handing the host
// to Ansible.
func (s *Server) WaitForSSH(ctx context.Context, timeout, interval time.Duration) error {
	log.Printkv(ctx, "at", "wait-for-ssh", "host", s.PublicIP)
	addr := net.JoinHostPort(s.PublicIP, sshPort)
	_, err := poll.Wait(ctx, func(ctx context.Context) poll.Result[struct{}] {
		client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            s.Username,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		})
		if client != nil {
			client.Close()
		}
		return classifySSHDial(err)
	}, timeout, interval)
	if err != nil {
		return xerrors.Errorf("ssh did not become ready on %s: %w", addr, err)
	}
	return nil
}

// classifySSHDial decides whether a credential-less dial
// result means sshd is reachable.
//
// A banner read failure means sshd's listener is up but
// the daemon is still starting; that and plain network
// unreachability are the still-warming cases. Anything
// else, including an authentication failure, proves the
// transport works. Treating banner errors as still-warming
// is a heuristic, not a documented protocol guarantee.
func classifySSHDial(err error) poll.Result[struct{}] {
	switch {
	case err == nil:
		return poll.Success(struct{}{})
	case strings.Contains(err.Error(), "banner"):
		return poll.Retry[struct{}]("error reading ssh protocol banner")
	case isNetError(err):
		return poll.Retry[struct{}]("ssh transport is not ready: " + err.Error())
	default:
		// e.g. "unable to authenticate": the transport is up.
		return poll.Success(struct{}{})
	}
}

func isNetError(err error) bool {
	var nerr net.Error
	return xerrors.As(err, &nerr)
}

// Exec runs command on the server over SSH and returns
// its stdout, stderr, and exit code. A non-zero exit code
// is not an error; failing to run the command at all is.
func (s *Server) Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	if err := s.Connect(ctx); err != nil {
		return "", "", 0, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", 0, xerrors.Errorf("opening ssh session on %s: %w", s.Name, err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf
	log.Printkv(ctx, "at", "exec", "server", s.Name, "command", command)
	err = sess.Run(command)
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
	}
	if err != nil {
		return outBuf.String(), errBuf.String(), 0, xerrors.Errorf("running %q on %s: %w", command, s.Name, err)
	}
	return outBuf.String(), errBuf.String(), 0, nil
}
