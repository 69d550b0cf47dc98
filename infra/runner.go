package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	configaws "github.com/harborci/e2ebot/config/aws"
	"github.com/harborci/e2ebot/log"
)

// runnerCertPath is where the runner agent's registration
// playbook leaves the client certificate on linux hosts.
const runnerCertPath = "/var/lib/harborci/runners/default/runner-client-cert.pem"

// A Runner is a server provisioned with the platform's
// runner agent, pointed at one environment's APIs.
type Runner struct {
	*Server
	ServerAPIEndpoint string
	RunnerAPIEndpoint string
}

// Configure installs and starts the runner agent on the
// server via the runner playbook.
func (r *Runner) Configure(ctx context.Context) error {
	return ExecPlaybook(ctx, r.Server, Playbook{
		Name:  "harborci-runner",
		Group: "harborci-runners",
		Vars: []string{
			"runner_env_runner_api_endpoints=" + r.RunnerAPIEndpoint,
			"runner_env_dynamic_api_endpoint=" + r.ServerAPIEndpoint,
		},
	})
}

// ClientCert fetches the runner agent's client certificate,
// which the harness registers with the platform.
func (r *Runner) ClientCert(ctx context.Context) (string, error) {
	if r.Platform != "linux" {
		return "", xerrors.Errorf("reading runner cert on %s: unsupported platform", r.Platform)
	}
	local := filepath.Join(os.TempDir(), r.Name+"-client-cert.pem")
	if err := r.FetchFile(ctx, runnerCertPath, local); err != nil {
		return "", err
	}
	defer os.Remove(local)
	pem, err := os.ReadFile(local)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(pem)) == "" {
		return "", xerrors.Errorf("no runner client cert at %s on %s", runnerCertPath, r.Name)
	}
	log.Printkv(ctx, "at", "runner-cert", "runner", r.Name, "host", r.PublicIP)
	return string(pem), nil
}

// RunnerManager deploys and tracks runners inside one
// environment, in the environment-scoped subnet and
// security group. Every instance it launches carries an
// Env tag so a sweep can reclaim the environment even if
// the in-memory registry is lost.
type RunnerManager struct {
	env     string
	servers *Manager

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewRunnerManager returns a RunnerManager for the named
// environment.
func NewRunnerManager(sess *session.Session, store *configaws.ParameterStore, env string) *RunnerManager {
	return &RunnerManager{
		env: env,
		servers: NewManager(sess, store, Filters(
			fmt.Sprintf("harborci-%s-public-us-west-2a", env),
			fmt.Sprintf("harborci-%s-dmz", env),
		)),
		runners: make(map[string]*Runner),
	}
}

// Get returns the deployed runner with the given name, or
// nil if this manager has not deployed one by that name.
func (rm *RunnerManager) Get(name string) *Runner {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.runners[name]
}

// Deploy launches a server for def, wraps it as a runner
// pointed at the given endpoints, and records it.
// The runner is not yet configured or registered.
func (rm *RunnerManager) Deploy(ctx context.Context, name string, def e2ebot.ServerDefinition, serverAPI, runnerAPI string) (*Runner, error) {
	s, err := rm.servers.Deploy(ctx, name, def, map[string]string{"Env": rm.env})
	if err != nil {
		return nil, err
	}
	r := &Runner{
		Server:            s,
		ServerAPIEndpoint: serverAPI,
		RunnerAPIEndpoint: runnerAPI,
	}
	rm.mu.Lock()
	rm.runners[name] = r
	rm.mu.Unlock()
	return r, nil
}

// DestroyAll terminates every running instance tagged with
// this manager's environment, including runners left over
// from previous crashed runs.
func (rm *RunnerManager) DestroyAll(ctx context.Context) error {
	log.Printkv(ctx, "at", "destroy-all-runners", "env", rm.env)
	rm.mu.Lock()
	for name, r := range rm.runners {
		r.Close()
		delete(rm.runners, name)
	}
	rm.mu.Unlock()
	return rm.servers.DestroyTagged(ctx, "Env", rm.env)
}
