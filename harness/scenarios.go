package harness

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	"github.com/harborci/e2ebot/log"
)

// The fleet every run works with. Two linux runners are
// enough to cover registration and build dispatch.
var (
	runnerOneDef = e2ebot.ServerDefinition{Platform: "linux", Variant: "ubuntu-22.04", Arch: "amd64"}
	runnerTwoDef = e2ebot.ServerDefinition{Platform: "linux", Variant: "ubuntu-22.04", Arch: "amd64"}

	cliServerDef = e2ebot.ServerDefinition{Platform: "linux", Variant: "ubuntu-22.04", Arch: "amd64"}
)

const (
	runnerOneName = "e2e-runner-one"
	runnerTwoName = "e2e-runner-two"
)

// A Scenario is one independent e2e check. Scenarios share
// the Controller's repos and runners, so earlier scenarios
// warm state for later ones.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, c *Controller) error
}

// Scenarios returns the full suite in execution order.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "static-build", Run: StaticBuild},
		{Name: "runner-registration", Run: RunnerRegistration},
		{Name: "cli-smoke", Run: CLISmoke},
	}
}

// repoName returns a name unique per calendar hour, so
// repeated runs within the hour reuse one repo instead of
// littering the test account.
func repoName(now time.Time) string {
	return "automated-repo-" + strings.ToLower(now.Format("January-02-2006-15"))
}

// branchName returns a name unique per call.
func branchName(now time.Time) string {
	return now.Format("January-02-2006-15-04-05") + "-" + uuid.NewString()[:8]
}

// StaticBuild commits a static build definition to a fresh
// branch, opens a pull request, and requires the platform
// to produce a build for the pushed commit.
func StaticBuild(ctx context.Context, c *Controller) error {
	if _, err := c.GetOrDeployRunner(ctx, runnerOneName, runnerOneDef); err != nil {
		return err
	}

	name := repoName(time.Now())
	if _, err := c.GetOrCreateRepo(ctx, name); err != nil {
		return err
	}

	branch := branchName(time.Now())
	if _, err := c.CreateBranch(ctx, name, branch); err != nil {
		return err
	}

	dataDir, err := WritePipeline(filepath.Join(c.tmpDir, "static-build"), BasicPipeline())
	if err != nil {
		return err
	}
	sha, err := c.CreateCommitFromDir(ctx, name, branch, dataDir)
	if err != nil {
		return err
	}
	if _, err := c.CreatePullRequest(ctx, name, branch); err != nil {
		return err
	}

	build, err := c.WaitForBuild(ctx, name, sha)
	if err != nil {
		return err
	}
	log.Printkv(ctx, "at", "static-build", "build", build.ID, "status", build.Status)
	return nil
}

// RunnerRegistration checks the runner registry semantics:
// asking for a deployed runner returns it instead of a new
// one, a second runner lands on a distinct address, and
// re-registering an existing runner's certificate fails.
func RunnerRegistration(ctx context.Context, c *Controller) error {
	one, err := c.GetOrDeployRunner(ctx, runnerOneName, runnerOneDef)
	if err != nil {
		return err
	}
	again, err := c.GetOrDeployRunner(ctx, runnerOneName, runnerOneDef)
	if err != nil {
		return err
	}
	if one.PublicIP != again.PublicIP {
		return xerrors.Errorf("runner %s was deployed twice: %s vs %s", runnerOneName, one.PublicIP, again.PublicIP)
	}

	two, err := c.GetOrDeployRunner(ctx, runnerTwoName, runnerTwoDef)
	if err != nil {
		return err
	}
	if two.PublicIP == one.PublicIP {
		return xerrors.Errorf("runners %s and %s share address %s", runnerOneName, runnerTwoName, one.PublicIP)
	}

	cert, err := one.ClientCert(ctx)
	if err != nil {
		return err
	}
	if _, err := c.API.RegisterRunner(ctx, c.LegalEntityID(), runnerOneName, cert); err == nil {
		return xerrors.Errorf("re-registering runner %s succeeded, want rejection", runnerOneName)
	}
	return nil
}

// CLISmoke provisions a plain server with the CLI, copies a
// static pipeline to it, and runs a local build there.
func CLISmoke(ctx context.Context, c *Controller) error {
	cc := NewCLIController(c.sess, c.store)
	defer cc.Teardown(ctx)

	dataDir, err := WritePipeline(filepath.Join(c.tmpDir, "static-smoke"), BasicPipeline())
	if err != nil {
		return err
	}
	stdout, stderr, code, err := cc.ExecuteTest(ctx, cliServerDef, dataDir)
	if err != nil {
		return err
	}
	if code != 0 {
		return xerrors.Errorf("cli run exited %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}
	return nil
}

func scenarioError(sc Scenario, err error) error {
	return xerrors.Errorf("scenario %s: %w", sc.Name, err)
}
