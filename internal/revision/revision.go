// Package revision captures the source revision a run is produced from.
package revision

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"model-runner/internal/model"
)

// GitSource reads the revision of the git checkout in Dir
type GitSource struct {
	Dir string
	// Git is the git binary; defaults to "git" on PATH.
	Git string
	Now func() time.Time
}

// Current returns HEAD's commit hash, branch and whether the worktree has
// uncommitted changes.
func (g GitSource) Current(ctx context.Context) (model.Revision, error) {
	id, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return model.Revision{}, err
	}
	branch, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return model.Revision{}, err
	}
	status, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return model.Revision{}, err
	}
	return model.Revision{
		ID:         id,
		Branch:     branch,
		Dirty:      status != "",
		CapturedAt: g.now(),
	}, nil
}

func (g GitSource) git(ctx context.Context, args ...string) (string, error) {
	bin := g.Git
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (g GitSource) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// Static always reports the same revision ID. Used for --revision overrides.
type Static struct {
	ID  string
	Now func() time.Time
}

func (s Static) Current(ctx context.Context) (model.Revision, error) {
	if strings.TrimSpace(s.ID) == "" {
		return model.Revision{}, fmt.Errorf("static revision is empty")
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	return model.Revision{ID: strings.TrimSpace(s.ID), CapturedAt: now}, nil
}
