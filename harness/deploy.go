package harness

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/trace"
)

// DeployPlatform deploys the full platform into the
// environment and returns the app API endpoint. On failure
// it destroys whatever partial infrastructure exists before
// returning the error.
func DeployPlatform(ctx context.Context) (string, error) {
	scripts := []string{"deploy-infra.sh", "deploy-backend.sh", "deploy-frontend.sh"}
	for _, script := range scripts {
		if err := runScript(ctx, script); err != nil {
			log.Error(ctx, err, "running ", script)
			if derr := DestroyPlatform(ctx); derr != nil {
				log.Error(ctx, derr, "destroying after failed deploy")
			}
			return "", xerrors.Errorf("deploying %s: %w", EnvironmentName, err)
		}
	}
	log.Printkv(ctx, "at", "deployed", "environment", EnvironmentName, "endpoint", apiEndpoint)
	return apiEndpoint, nil
}

// DestroyPlatform tears the environment's infrastructure
// down. It is a no-op when skip-teardown is set, in which
// case the caller owns the environment until they destroy
// it themselves.
func DestroyPlatform(ctx context.Context) error {
	if skipTeardown {
		log.Printkv(ctx, "at", "skip-teardown", "environment", EnvironmentName)
		return nil
	}
	if err := runScript(ctx, "destroy-infra.sh"); err != nil {
		return xerrors.Errorf("destroying %s: %w", EnvironmentName, err)
	}
	return nil
}

// runScript runs one deploy script with the environment
// name as its argument, streaming output tagged with the
// script name. The current span is passed through $SPAN so
// child processes join the trace.
func runScript(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, filepath.Join(scriptDir, name), EnvironmentName)
	out := e2ebot.PrefixWriter(os.Stdout, name+" | ")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), trace.EnvironmentFor(ctx)...)
	log.Printkv(ctx, "at", "run-script", "script", name, "environment", EnvironmentName)
	return cmd.Run()
}
