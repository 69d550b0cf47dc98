package harness

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	"github.com/harborci/e2ebot/api"
	configaws "github.com/harborci/e2ebot/config/aws"
	"github.com/harborci/e2ebot/github"
	"github.com/harborci/e2ebot/infra"
	"github.com/harborci/e2ebot/log"
)

// seedBranch receives a throwaway commit right after repo
// creation; pushing to it is what makes the platform ingest
// the repo.
const seedBranch = "harborci-sync-seed"

// Defaults for the build wait; the timeout can be raised
// per environment through SSM. Vars, not consts, so tests
// can shorten them.
var (
	buildWaitTimeout  = 5 * time.Minute
	buildWaitInterval = 20 * time.Second
)

// A RepoHolder bundles the three views of one test
// repository: the GitHub object, the local clone the
// harness commits through, and the platform's repo entity.
type RepoHolder struct {
	GitHub *github.Repo
	Clone  string
	Entity *api.Repo
}

// A Controller owns the state of one e2e run: the platform
// and GitHub clients, the runner fleet, and a registry of
// test repositories. Repos and runners are created on first
// use and reused after that.
type Controller struct {
	API     *api.Client
	GitHub  *github.Client
	Runners *infra.RunnerManager

	sess     *session.Session
	store    *configaws.ParameterStore
	entity   *api.LegalEntity
	user     string
	pat      string
	endpoint string
	tmpDir   string

	buildTimeout  time.Duration
	buildInterval time.Duration

	mu    sync.Mutex
	repos map[string]*RepoHolder
}

// NewController loads the environment's GitHub PAT from the
// parameter store, authenticates against the platform and
// GitHub, and returns a ready Controller.
func NewController(ctx context.Context, sess *session.Session, store *configaws.ParameterStore, endpoint string) (*Controller, error) {
	pat, err := store.Get(patParameter(EnvironmentName))
	if err != nil {
		return nil, xerrors.Errorf("loading github pat: %w", err)
	}

	apiClient, err := api.Open(ctx, endpoint, pat)
	if err != nil {
		return nil, err
	}
	entity, err := apiClient.PersonLegalEntity(ctx)
	if err != nil {
		return nil, err
	}

	gh := github.Open(github.Token(pat))
	user, err := gh.User(ctx)
	if err != nil {
		return nil, err
	}
	if user != githubUser {
		return nil, xerrors.Errorf("pat belongs to %s, want test account %s", user, githubUser)
	}

	tmpDir, err := os.MkdirTemp("", "e2ebot")
	if err != nil {
		return nil, err
	}

	return &Controller{
		API:      apiClient,
		GitHub:   gh,
		Runners:  infra.NewRunnerManager(sess, store, EnvironmentName),
		sess:     sess,
		store:    store,
		entity:   entity,
		user:     user,
		pat:      pat,
		endpoint: endpoint,
		tmpDir:   tmpDir,
		// Slow environments override the build wait in SSM.
		buildTimeout:  store.GetDuration("/harborci-"+EnvironmentName+"/build_wait_timeout", buildWaitTimeout),
		buildInterval: buildWaitInterval,
		repos:         make(map[string]*RepoHolder),
	}, nil
}

// LegalEntityID identifies the person the run acts as.
func (c *Controller) LegalEntityID() string {
	return c.entity.ID
}

// GetOrDeployRunner returns the named runner, deploying,
// configuring, and registering it first if this run has not
// seen it yet.
func (c *Controller) GetOrDeployRunner(ctx context.Context, name string, def e2ebot.ServerDefinition) (*infra.Runner, error) {
	if r := c.Runners.Get(name); r != nil {
		log.Printkv(ctx, "at", "get-runner", "runner", name, "message", "already deployed")
		return r, nil
	}

	log.Printkv(ctx, "at", "deploy-runner", "runner", name, "definition", def)
	runner, err := c.Runners.Deploy(ctx, name, def, c.endpoint, api.RunnerEndpoint(c.endpoint))
	if err != nil {
		return nil, err
	}
	if err := runner.Configure(ctx); err != nil {
		return nil, xerrors.Errorf("configuring runner %s: %w", name, err)
	}
	cert, err := runner.ClientCert(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.API.RegisterRunner(ctx, c.entity.ID, name, cert); err != nil {
		return nil, err
	}
	log.Printkv(ctx, "at", "deployed-runner", "runner", name, "public_ip", runner.PublicIP)
	return runner, nil
}

// GetOrCreateRepo returns the holder for the named repo,
// creating the GitHub repo, cloning it, seeding it with an
// initial commit, and enabling it on the platform if this
// run has not seen it yet.
func (c *Controller) GetOrCreateRepo(ctx context.Context, name string) (*RepoHolder, error) {
	c.mu.Lock()
	holder, ok := c.repos[name]
	c.mu.Unlock()
	if ok {
		return holder, nil
	}

	ghRepo, err := c.GitHub.GetRepo(ctx, name)
	if err == github.StatusError(404) {
		log.Printkv(ctx, "at", "create-repo", "repo", name)
		ghRepo, err = c.GitHub.CreateRepo(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	clone := filepath.Join(c.tmpDir, "repos", name)
	if err := os.MkdirAll(filepath.Dir(clone), 0755); err != nil {
		return nil, err
	}
	if _, err := c.git(ctx, filepath.Dir(clone), "clone", cloneURL(c.user, c.pat, name), clone); err != nil {
		return nil, err
	}

	holder = &RepoHolder{GitHub: ghRepo, Clone: clone}
	c.mu.Lock()
	c.repos[name] = holder
	c.mu.Unlock()

	// The platform only notices the repo once something
	// lands in it.
	seedDir, err := WriteSeedData(filepath.Join(c.tmpDir, "seed"))
	if err != nil {
		return nil, err
	}
	if _, err := c.CreateCommitFromDir(ctx, name, seedBranch, seedDir); err != nil {
		return nil, err
	}

	entity, err := c.API.EnableRepo(ctx, c.entity.ID, name)
	if err != nil {
		return nil, err
	}
	holder.Entity = entity
	return holder, nil
}

// Repo returns the holder for a repo this run already
// created, or an error naming it.
func (c *Controller) Repo(name string) (*RepoHolder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	holder, ok := c.repos[name]
	if !ok {
		return nil, xerrors.Errorf("repo %s has not been created by this run", name)
	}
	return holder, nil
}

// CreateBranch creates a branch at the head of the repo's
// default branch and returns the SHA it points at.
func (c *Controller) CreateBranch(ctx context.Context, repoName, branch string) (string, error) {
	holder, err := c.Repo(repoName)
	if err != nil {
		return "", err
	}
	return c.GitHub.CreateBranch(ctx, holder.GitHub, branch)
}

// CreateCommitFromDir copies the contents of dir into the
// repo's clone on a new branch, commits, pushes the branch,
// and returns the commit SHA. The clone is left on its
// original branch.
func (c *Controller) CreateCommitFromDir(ctx context.Context, repoName, branch, dir string) (string, error) {
	holder, err := c.Repo(repoName)
	if err != nil {
		return "", err
	}
	clone := holder.Clone

	prev, err := c.git(ctx, clone, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := c.git(ctx, clone, "checkout", "-B", branch); err != nil {
		return "", err
	}
	if err := e2ebot.CopyTree(dir, clone); err != nil {
		return "", xerrors.Errorf("copying %s into clone: %w", dir, err)
	}
	if _, err := c.git(ctx, clone, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, clone, "commit", "-m", "e2e commit on "+branch); err != nil {
		return "", err
	}
	if _, err := c.git(ctx, clone, "push", "--set-upstream", "origin", branch); err != nil {
		return "", err
	}
	sha, err := c.git(ctx, clone, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := c.git(ctx, clone, "checkout", prev); err != nil {
		return "", err
	}
	log.Printkv(ctx, "at", "created-commit", "repo", repoName, "branch", branch, "sha", sha)
	return sha, nil
}

// CreatePullRequest opens a pull request from branch into
// the repo's default branch.
func (c *Controller) CreatePullRequest(ctx context.Context, repoName, branch string) (*github.PR, error) {
	holder, err := c.Repo(repoName)
	if err != nil {
		return nil, err
	}
	return c.GitHub.CreatePR(ctx, holder.GitHub, "e2e changes from "+branch, branch)
}

// WaitForBuild waits until the platform reports a build for
// the commit in the named repo.
func (c *Controller) WaitForBuild(ctx context.Context, repoName, sha string) (*api.Build, error) {
	holder, err := c.Repo(repoName)
	if err != nil {
		return nil, err
	}
	if holder.Entity == nil {
		return nil, xerrors.Errorf("repo %s was never enabled on the platform", repoName)
	}
	return c.API.BuildForCommit(ctx, holder.Entity, sha, c.buildTimeout, c.buildInterval)
}

// Teardown destroys the run's runners, deletes its GitHub
// repos, and removes its scratch directory.
func (c *Controller) Teardown(ctx context.Context) {
	if err := c.Runners.DestroyAll(ctx); err != nil {
		log.Error(ctx, err, "tearing down runners")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.repos {
		if err := c.GitHub.DeleteRepo(ctx, name); err != nil {
			log.Error(ctx, err, "deleting repo ", name)
		}
	}
	os.RemoveAll(c.tmpDir)
}
