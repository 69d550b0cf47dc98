package harness

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot/log"
)

// cloneURL embeds the PAT so pushes need no credential
// helper on the machine running the harness.
func cloneURL(user, pat, repoName string) string {
	return fmt.Sprintf("https://%s:%s@github.com/%s/%s.git", user, pat, user, repoName)
}

// git runs one git command in dir and returns its trimmed
// output. The PAT is redacted from anything logged or
// returned in errors.
func (c *Controller) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	log.Printkv(ctx, "at", "git", "dir", dir, "args", c.redact(strings.Join(args, " ")))
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		return "", xerrors.Errorf("git %s: %v: %s", c.redact(strings.Join(args, " ")), err, c.redact(out))
	}
	return out, nil
}

func (c *Controller) redact(s string) string {
	if c.pat == "" {
		return s
	}
	return strings.ReplaceAll(s, c.pat, "****")
}
