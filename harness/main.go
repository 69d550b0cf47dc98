package harness

import (
	"context"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/harborci/e2ebot"
	configaws "github.com/harborci/e2ebot/config/aws"
	"github.com/harborci/e2ebot/infra"
	"github.com/harborci/e2ebot/lock"
	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/trace"
)

// leaseTTL bounds how long a crashed run can hold the
// environment before another run may take it.
const leaseTTL = 2 * time.Hour

// Main runs the full e2e suite against a freshly deployed
// environment and exits the process on failure.
func Main() {
	ctx := context.Background()
	span, err := trace.StartSpanFromEnv("e2e.run", "e2ebot", EnvironmentName)
	if err != nil {
		log.Error(ctx, err, "starting span")
	}
	if span != nil {
		ctx = tracer.ContextWithSpan(ctx, span)
	}
	// The span must be finished before the fatal log below
	// exits the process, or failed runs never report it.
	err = run(ctx)
	finishRun(span, err)
	if err != nil {
		log.Fatalkv(ctx, "at", "run", "error", err)
	}
	log.Printkv(ctx, "at", "done", "environment", EnvironmentName)
}

func finishRun(span ddtrace.Span, err error) {
	if span == nil {
		return
	}
	span.Finish(tracer.WithError(err))
}

func run(ctx context.Context) error {
	if err := CheckPrerequisites(); err != nil {
		return err
	}

	sess, err := configaws.NewSession()
	if err != nil {
		return err
	}
	store := configaws.NewStore(sess)

	locks := lock.NewClient(sess)
	if err := locks.EnsureTable(); err != nil {
		return err
	}
	lease, err := locks.Acquire(ctx, EnvironmentName, leaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Error(ctx, err, "releasing environment lease")
		}
	}()

	endpoint, err := DeployPlatform(ctx)
	if err != nil {
		return err
	}

	c, err := NewController(ctx, sess, store, endpoint)
	if err != nil {
		// The platform is up but unusable. Tear it down
		// before reporting.
		if derr := DestroyPlatform(ctx); derr != nil {
			log.Error(ctx, derr, "destroying after failed setup")
		}
		return err
	}

	var failures []error
	for _, sc := range Scenarios() {
		if err := runScenario(ctx, c, sc); err != nil {
			log.Error(ctx, err, "scenario ", sc.Name)
			failures = append(failures, err)
			continue
		}
		log.Printkv(ctx, "at", "scenario-passed", "scenario", sc.Name)
	}

	if skipTeardown {
		log.Printkv(ctx, "at", "skip-teardown", "message", "you must tear the environment down yourself")
	} else {
		c.Teardown(ctx)
		if err := DestroyPlatform(ctx); err != nil {
			log.Error(ctx, err, "destroying platform")
		}
	}

	if len(failures) > 0 {
		return xerrors.Errorf("%d of %d scenarios failed, first: %w", len(failures), len(Scenarios()), failures[0])
	}
	return nil
}

func runScenario(ctx context.Context, c *Controller, sc Scenario) (err error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "e2e.scenario", tracer.ResourceName(sc.Name))
	defer func() { span.Finish(tracer.WithError(err)) }()
	ctx = log.WithPrefix(ctx, "scenario", sc.Name)
	log.Printkv(ctx, "at", "scenario-start")
	if err := sc.Run(ctx, c); err != nil {
		return scenarioError(sc, err)
	}
	return nil
}

// CLIMain runs one CLI test against a single server without
// deploying the platform. It exits the process with the
// remote command's status.
func CLIMain(defStr, dataDir string) int {
	ctx := context.Background()
	def, err := e2ebot.ParseServerDef(defStr)
	if err != nil {
		log.Fatalkv(ctx, "at", "parse-server-def", "error", err)
	}

	sess, err := configaws.NewSession()
	if err != nil {
		log.Fatalkv(ctx, "at", "aws-session", "error", err)
	}
	cc := NewCLIController(sess, configaws.NewStore(sess))
	defer cc.Teardown(ctx)

	stdout, stderr, code, err := cc.ExecuteTest(ctx, def, dataDir)
	if err != nil {
		log.Error(ctx, err, "cli test")
		return 1
	}
	log.Printkv(ctx, "at", "cli-test-done", "exit", code, "stdout", stdout, "stderr", stderr)
	return code
}

// DestroyMain force-destroys everything the environment
// owns: every tagged runner and the platform infrastructure.
// It ignores skip-teardown; it exists for when a failed run
// left the environment behind.
func DestroyMain() {
	ctx := context.Background()
	sess, err := configaws.NewSession()
	if err != nil {
		log.Fatalkv(ctx, "at", "aws-session", "error", err)
	}
	store := configaws.NewStore(sess)

	rm := infra.NewRunnerManager(sess, store, EnvironmentName)
	if err := rm.DestroyAll(ctx); err != nil {
		log.Error(ctx, err, "destroying runners")
	}
	if err := runScript(ctx, "destroy-infra.sh"); err != nil {
		log.Fatalkv(ctx, "at", "destroy-infra", "error", err)
	}
	log.Printkv(ctx, "at", "destroyed", "environment", EnvironmentName)
}
