// Package api is a client for the CI platform's HTTP API.
//
// The platform ingests repositories and commits asynchronously:
// a freshly exchanged token, a newly shared repository, or a
// just-pushed commit may take many seconds to appear through the
// API. Every read that races that ingestion goes through
// package poll.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/httpjson"
	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/poll"
)

// TokenHeader is the header field carrying the exchanged
// auth token on every authenticated request.
const TokenHeader = "harbor-token"

// Defaults for polls that bridge the platform's ingestion
// lag. Vars, not consts, so tests can shorten them.
var (
	exchangeTimeout  = 240 * time.Second
	exchangeInterval = 10 * time.Second
	repoSyncTimeout  = 240 * time.Second
	repoSyncInterval = 10 * time.Second
)

// A LegalEntity is a person or company that owns repos
// and runners on the platform.
type LegalEntity struct {
	ID   string `json:"id"`
	Type string `json:"type"` // person or company
	Name string `json:"name"`
}

// A Repo is the platform's view of a source repository.
type Repo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	BuildsURL string `json:"builds_url"`
	Enabled   bool   `json:"enabled"`
}

// A Build is one build of one commit.
type Build struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// A Runner is a registered build runner.
type Runner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client makes authenticated requests to the platform API.
type Client struct {
	c httpjson.Client
}

// Option configures a Client in Open.
type Option func(*Client)

// HTTPClient sets the http.Client used for requests.
func HTTPClient(h *http.Client) Option {
	return func(c *Client) { c.c.HTTP = h }
}

// Open exchanges a GitHub personal access token for a
// platform auth token and returns an authenticated client.
//
// Immediately after deployment, the load balancer in front
// of the API answers 503 while its targets warm up, so the
// exchange retries on 503 until the deadline. Any other
// failure aborts at once.
func Open(ctx context.Context, endpoint string, githubPAT string, opts ...Option) (*Client, error) {
	c := &Client{c: httpjson.Client{
		BaseURL: strings.TrimRight(endpoint, "/"),
		Header:  http.Header{},
	}}
	for _, o := range opts {
		o(c)
	}

	log.Printkv(ctx, "at", "token-exchange", "endpoint", c.c.BaseURL)
	body := map[string]string{"scm_name": "github", "token": githubPAT}
	token, err := poll.Wait(ctx, func(ctx context.Context) poll.Result[string] {
		var resp struct {
			Token string `json:"token"`
		}
		err := c.c.Postf(ctx, body, &resp, "/token-exchange")
		if err == httpjson.StatusError(503) {
			return poll.Retry[string]("api returned 503, load balancer still warming up")
		}
		if err != nil {
			return poll.Fatal[string](xerrors.Errorf("token exchange: %w", err))
		}
		return poll.Success(resp.Token)
	}, exchangeTimeout, exchangeInterval)
	if err != nil {
		return nil, xerrors.Errorf("getting auth token from token exchange: %w", err)
	}
	c.c.Header.Set(TokenHeader, token)
	return c, nil
}

// Token returns the platform auth token held by c.
func (c *Client) Token() string {
	return c.c.Header.Get(TokenHeader)
}

// PersonLegalEntity returns the first legal entity of type
// "person" available to the authenticated user.
func (c *Client) PersonLegalEntity(ctx context.Context) (*LegalEntity, error) {
	var list struct {
		Results []*LegalEntity `json:"results"`
	}
	err := c.c.Getf(ctx, &list, "/legal-entities")
	if err != nil {
		return nil, xerrors.Errorf("listing legal entities: %w", err)
	}
	for _, e := range list.Results {
		if e.Type == "person" {
			return e, nil
		}
	}
	return nil, xerrors.New("no person legal entity available to the authenticated user")
}

// EnableRepo waits for the named repo to be ingested from
// the SCM into the given legal entity's repo list, then
// enables it for builds. Name matching is case-insensitive.
//
// Enabling an already-enabled repo is a no-op; a 422 from
// the enable call means another actor enabled it first and
// is not an error.
func (c *Client) EnableRepo(ctx context.Context, legalEntityID, repoName string) (*Repo, error) {
	repo, err := poll.Wait(ctx, func(ctx context.Context) poll.Result[*Repo] {
		var list struct {
			Results []*Repo `json:"results"`
		}
		err := c.c.Getf(ctx, &list, "/legal-entities/%s/repos", legalEntityID)
		if _, ok := err.(httpjson.StatusError); ok {
			return poll.Retry[*Repo](err.Error())
		}
		if err != nil {
			return poll.Fatal[*Repo](err)
		}
		for _, r := range list.Results {
			if strings.EqualFold(r.Name, repoName) {
				return poll.Success(r)
			}
		}
		return poll.Retry[*Repo]("repo " + repoName + " not yet in listing of " + legalEntityID)
	}, repoSyncTimeout, repoSyncInterval)
	if err != nil {
		return nil, xerrors.Errorf("finding repo %s for %s: %w", repoName, legalEntityID, err)
	}

	if repo.Enabled {
		log.Printkv(ctx, "at", "enable-repo", "repo", repoName, "message", "already enabled")
		return repo, nil
	}
	err = c.c.Patchf(ctx, map[string]bool{"enabled": true}, nil, "%s", repo.URL)
	if err != nil && err != httpjson.StatusError(422) {
		return nil, xerrors.Errorf("enabling repo %s: %w", repoName, err)
	}
	repo.Enabled = true
	return repo, nil
}

// BuildForCommit waits until the repo's builds listing
// contains a build for the given commit SHA and returns it.
// Timeout and interval are per call site: asserting a
// webhook-triggered build may need a much longer leash than
// a locally triggered one.
func (c *Client) BuildForCommit(ctx context.Context, repo *Repo, sha string, timeout, interval time.Duration) (*Build, error) {
	log.Printkv(ctx, "at", "build-for-commit", "sha", sha, "builds_url", repo.BuildsURL)
	build, err := poll.Wait(ctx, func(ctx context.Context) poll.Result[*Build] {
		var list struct {
			Results []*Build `json:"results"`
		}
		err := c.c.Getf(ctx, &list, "%s", repo.BuildsURL)
		if _, ok := err.(httpjson.StatusError); ok {
			return poll.Retry[*Build](err.Error())
		}
		if err != nil {
			return poll.Fatal[*Build](err)
		}
		for _, b := range list.Results {
			if strings.EqualFold(b.Commit.SHA, sha) {
				return poll.Success(b)
			}
		}
		return poll.Retry[*Build]("no build for commit " + sha + " yet")
	}, timeout, interval)
	if err != nil {
		return nil, xerrors.Errorf("waiting for build of commit %s: %w", sha, err)
	}
	return build, nil
}

// RegisterRunner registers a runner for a legal entity by
// its client certificate. Registering the same runner twice
// fails; callers rely on that to detect duplicates.
func (c *Client) RegisterRunner(ctx context.Context, legalEntityID, name, clientCertPEM string) (*Runner, error) {
	body := map[string]string{
		"name":                   name,
		"client_certificate_pem": clientCertPEM,
	}
	runner := new(Runner)
	err := c.c.Postf(ctx, body, runner, "/legal-entities/%s/runners", legalEntityID)
	if err != nil {
		return nil, xerrors.Errorf("registering runner %s: %w", name, err)
	}
	return runner, nil
}

// RunnerEndpoint derives the runner-facing API endpoint
// from the app-facing one: the runner API is served on the
// "runner" host instead of "app", at the root path.
func RunnerEndpoint(appEndpoint string) string {
	s := strings.Replace(appEndpoint, "//app", "//runner", 1)
	s = strings.Replace(s, "/api/v1", "/", 1)
	return s
}
