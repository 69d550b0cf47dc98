package harness

/*

Theory of Operation

The harness drives one complete e2e pass against a freshly
deployed environment. It:

* takes the environment lease so runs cannot overlap
* deploys the platform (infra, backend, frontend) via the
  checked-in deploy scripts
* exchanges a GitHub PAT for an API token
* deploys runners, creates repos, pushes commits and pull
  requests, and asserts the platform reacts with builds
* tears everything down unless told to keep it

*/

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"
)

var (
	hostname, _ = os.Hostname()

	environmentID = orEnv("E2E_ENVIRONMENT_ID", "1")

	// EnvironmentName scopes every AWS resource and the
	// environment lease.
	EnvironmentName = environmentNameFor(environmentID)

	skipTeardown = os.Getenv("E2E_SKIP_TEARDOWN") != ""

	// scriptDir holds the deploy/destroy shell scripts.
	scriptDir = orEnv("E2E_SCRIPT_DIR", "../build/scripts")

	// buildName distinguishes servers deployed by parallel
	// CI builds of the harness itself.
	buildName = orEnv("E2E_BUILD_NAME", hostname)

	apiEndpoint = orEnv("E2E_API_ENDPOINT", defaultAPIEndpoint(EnvironmentName))

	// githubUser is the test account the environment's PAT
	// must belong to. Guards against pointing a run at a
	// real account's repos.
	githubUser = orEnv("E2E_GITHUB_USER", "harborci-e2e1")
)

// prerequisites are executables the harness shells out to.
// Checking them up front beats failing on one twenty
// minutes into a run.
var prerequisites = []string{
	"terraform", "ansible-galaxy", "ansible-playbook", "docker", "yarn", "git",
}

func orEnv(name, d string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return d
}

func environmentNameFor(id string) string {
	return id + "-e2e"
}

func defaultAPIEndpoint(env string) string {
	return fmt.Sprintf("https://app.%s.harborci.dev/api/v1", env)
}

// patParameter is the SSM parameter holding the GitHub PAT
// for the environment's test account.
func patParameter(env string) string {
	return fmt.Sprintf("/harborci-%s/github_account_1_pat", env)
}

// CheckPrerequisites verifies every required executable is
// on PATH.
func CheckPrerequisites() error {
	var missing []string
	for _, exe := range prerequisites {
		if _, err := exec.LookPath(exe); err != nil {
			missing = append(missing, exe)
		}
	}
	if len(missing) > 0 {
		return xerrors.Errorf("required executables not found: %s", strings.Join(missing, ", "))
	}
	return nil
}
