// Package github is a small client for the GitHub REST API,
// covering just the repository mutations the e2e harness
// performs: create and delete repos, create refs, and open
// pull requests.
package github

import (
	"context"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/httpjson"
)

const apiURL = "https://api.github.com"

// Token is a GitHub personal access token.
type Token string

// StatusError re-exports httpjson.StatusError so callers
// can match on GitHub response codes,
// e.g. err == github.StatusError(404).
type StatusError = httpjson.StatusError

// A Client makes authenticated requests to the GitHub API
// under a single user account.
type Client struct {
	c    httpjson.Client
	user string // login of the authenticated user, cached
}

// Option configures a Client in Open.
type Option func(*Client)

// Accept sets the Accept header on every request,
// overriding the default "application/vnd.github+json".
func Accept(mediaType string) Option {
	return func(c *Client) { c.c.Header.Set("Accept", mediaType) }
}

// HTTPClient sets the http.Client used for requests.
func HTTPClient(h *http.Client) Option {
	return func(c *Client) { c.c.HTTP = h }
}

// BaseURL overrides the GitHub API base URL.
// It is intended for tests.
func BaseURL(u string) Option {
	return func(c *Client) { c.c.BaseURL = u }
}

// Open returns a client that authenticates with token.
func Open(token Token, opts ...Option) *Client {
	c := &Client{c: httpjson.Client{
		BaseURL: apiURL,
		Header: http.Header{
			"Accept":        {"application/vnd.github+json"},
			"Authorization": {"token " + string(token)},
		},
	}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// A Repo is the subset of the GitHub repository object
// the harness reads.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Private       bool   `json:"private"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// A PR is the subset of the GitHub pull request object
// the harness reads.
type PR struct {
	Number int `json:"number"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// User returns the login of the authenticated user.
func (c *Client) User(ctx context.Context) (string, error) {
	if c.user != "" {
		return c.user, nil
	}
	var u struct {
		Login string `json:"login"`
	}
	err := c.c.Getf(ctx, &u, "/user")
	if err != nil {
		return "", xerrors.Errorf("getting authenticated user: %w", err)
	}
	c.user = u.Login
	return c.user, nil
}

// GetRepo fetches the named repository owned by the
// authenticated user. A missing repo is reported as
// StatusError(404).
func (c *Client) GetRepo(ctx context.Context, name string) (*Repo, error) {
	user, err := c.User(ctx)
	if err != nil {
		return nil, err
	}
	repo := new(Repo)
	err = c.c.Getf(ctx, repo, "/repos/%s/%s", user, name)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateRepo creates a private, auto-initialized
// repository under the authenticated user.
func (c *Client) CreateRepo(ctx context.Context, name string) (*Repo, error) {
	body := map[string]interface{}{
		"name":      name,
		"private":   true,
		"auto_init": true,
	}
	repo := new(Repo)
	err := c.c.Postf(ctx, body, repo, "/user/repos")
	if err != nil {
		return nil, xerrors.Errorf("creating repo %s: %w", name, err)
	}
	return repo, nil
}

// DeleteRepo deletes the named repository owned by the
// authenticated user.
func (c *Client) DeleteRepo(ctx context.Context, name string) error {
	user, err := c.User(ctx)
	if err != nil {
		return err
	}
	err = c.c.Deletef(ctx, "/repos/%s/%s", user, name)
	if err != nil {
		return xerrors.Errorf("deleting repo %s: %w", name, err)
	}
	return nil
}

// BranchHead returns the SHA of the head commit of branch.
func (c *Client) BranchHead(ctx context.Context, repo *Repo, branch string) (string, error) {
	var b struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	err := c.c.Getf(ctx, &b, "/repos/%s/branches/%s", repo.FullName, branch)
	if err != nil {
		return "", xerrors.Errorf("getting branch %s head: %w", branch, err)
	}
	return b.Commit.SHA, nil
}

// CreateBranch creates a branch in repo pointing at the
// current head of the default branch and returns the
// SHA it points at.
func (c *Client) CreateBranch(ctx context.Context, repo *Repo, branch string) (string, error) {
	sha, err := c.BranchHead(ctx, repo, repo.DefaultBranch)
	if err != nil {
		return "", err
	}
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	err = c.c.Postf(ctx, body, nil, "/repos/%s/git/refs", repo.FullName)
	if err != nil {
		return "", xerrors.Errorf("creating branch %s: %w", branch, err)
	}
	return c.BranchHead(ctx, repo, branch)
}

// CreatePR opens a pull request from head into the
// repo's default branch.
func (c *Client) CreatePR(ctx context.Context, repo *Repo, title, head string) (*PR, error) {
	body := map[string]string{
		"title": title,
		"body":  "Opened by the e2e harness.",
		"base":  repo.DefaultBranch,
		"head":  head,
	}
	pr := new(PR)
	err := c.c.Postf(ctx, body, pr, "/repos/%s/pulls", repo.FullName)
	if err != nil {
		return nil, xerrors.Errorf("creating pull request from %s: %w", head, err)
	}
	return pr, nil
}
