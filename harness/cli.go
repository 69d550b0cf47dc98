package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	configaws "github.com/harborci/e2ebot/config/aws"
	"github.com/harborci/e2ebot/infra"
	"github.com/harborci/e2ebot/log"
)

// cliCommand is the platform CLI invocation run on the test
// server against the copied pipeline.
const cliCommand = "hb run -v"

// driverScript wraps the CLI run on the server: it cds into
// the test directory and execs the command it is given.
const driverScript = `#!/bin/sh
set -e
cd "$1"
shift
eval "$@"
`

// A CLIController provisions plain servers with the
// platform CLI and runs local builds on them. It keeps its
// own server fleet, named after the CI build that owns it,
// separate from the runner fleet.
type CLIController struct {
	servers *infra.Manager
	prefix  string
}

// NewCLIController returns a controller whose servers are
// named after this harness build.
func NewCLIController(sess *session.Session, store *configaws.ParameterStore) *CLIController {
	return &CLIController{
		servers: infra.NewManager(sess, store),
		prefix:  "harbor-cli-e2e-" + buildName,
	}
}

func (cc *CLIController) serverName(def e2ebot.ServerDefinition) string {
	return cc.prefix + "-" + strings.ReplaceAll(def.String(), "/", "-")
}

// findOrCreateServer returns the server for def, deploying
// and provisioning it with the CLI playbook on first use.
func (cc *CLIController) findOrCreateServer(ctx context.Context, def e2ebot.ServerDefinition) (*infra.Server, error) {
	name := cc.serverName(def)
	if s := cc.servers.Get(name); s != nil {
		log.Printkv(ctx, "at", "find-server", "server", name, "message", "already deployed")
		return s, nil
	}
	log.Printkv(ctx, "at", "create-server", "server", name, "definition", def)
	s, err := cc.servers.Deploy(ctx, name, def, nil)
	if err != nil {
		return nil, err
	}
	err = infra.ExecPlaybook(ctx, s, infra.Playbook{Name: "harborci-cli", Group: "harborci-cli-servers"})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ExecuteTest copies the test directory to the server for
// def and runs the CLI against it, returning the remote
// output and exit code.
func (cc *CLIController) ExecuteTest(ctx context.Context, def e2ebot.ServerDefinition, dataDir string) (stdout, stderr string, exitCode int, err error) {
	s, err := cc.findOrCreateServer(ctx, def)
	if err != nil {
		return "", "", 0, err
	}

	remoteData := "/tmp/" + filepath.Base(dataDir)
	remoteScript := "/tmp/harbor-cli-test.sh"
	log.Printkv(ctx, "at", "copy-test-data", "server", s.Name, "dir", dataDir)
	if err := s.CopyFile(ctx, dataDir, remoteData, true); err != nil {
		return "", "", 0, xerrors.Errorf("copying test data: %w", err)
	}
	if err := writeRemoteScript(ctx, s, remoteScript); err != nil {
		return "", "", 0, err
	}

	cmd := fmt.Sprintf("%s %s %q", remoteScript, remoteData, cliCommand)
	log.Printkv(ctx, "at", "run-cli", "server", s.Name, "cmd", cmd)
	return s.Exec(ctx, cmd)
}

func writeRemoteScript(ctx context.Context, s *infra.Server, remotePath string) error {
	local, err := writeTempScript()
	if err != nil {
		return err
	}
	if err := s.CopyFile(ctx, local, remotePath, false); err != nil {
		return xerrors.Errorf("copying driver script: %w", err)
	}
	if _, _, code, err := s.Exec(ctx, "chmod +x "+remotePath); err != nil || code != 0 {
		return xerrors.Errorf("chmod driver script: exit %d: %v", code, err)
	}
	return nil
}

func writeTempScript() (string, error) {
	f, err := os.CreateTemp("", "harbor-cli-test-*.sh")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(driverScript); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// Teardown destroys every server this controller deployed.
func (cc *CLIController) Teardown(ctx context.Context) {
	if err := cc.servers.DestroyAll(ctx); err != nil {
		log.Error(ctx, err, "tearing down cli servers")
	}
}
