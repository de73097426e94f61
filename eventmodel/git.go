package eventmodel

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/process"
)

// GitFetcher is the narrow seam eventmodel needs from version control:
// clone, checkout a revision, and diff two revisions for changed
// files. Git access is an external collaborator per spec.md §1; the
// default implementation below shells out to the system git binary
// the same way the teacher's job/git.go wraps git subcommands rather
// than linking a pure-Go git implementation.
type GitFetcher interface {
	Clone(ctx context.Context, cloneURL, dir string) error
	Checkout(ctx context.Context, dir, revision string) error
	Diff(ctx context.Context, dir, before, after string) ([]string, error)
	MergeBase(ctx context.Context, dir, a, b string) (string, error)
	FetchRef(ctx context.Context, dir, remote, ref string) error
}

// SystemGit is the default GitFetcher, driving the system git binary
// through process.Process for output capture, matching the teacher's
// subprocess-wrapping idiom.
type SystemGit struct {
	Log logger.Logger
}

func (g SystemGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	var out bytes.Buffer
	p := process.New(g.Log, process.Config{
		Path:   "git",
		Args:   args,
		Dir:    dir,
		Stdout: &out,
		Stderr: &out,
	})
	if err := p.Run(ctx); err != nil {
		return "", fmt.Errorf("eventmodel: git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	if rc := p.WaitStatus().ExitStatus(); rc != 0 {
		return "", fmt.Errorf("eventmodel: git %s exited %d: %s", strings.Join(args, " "), rc, out.String())
	}
	return out.String(), nil
}

func (g SystemGit) Clone(ctx context.Context, cloneURL, dir string) error {
	_, err := g.run(ctx, "", "clone", "--", cloneURL, dir)
	return err
}

func (g SystemGit) Checkout(ctx context.Context, dir, revision string) error {
	_, err := g.run(ctx, dir, "checkout", "--force", revision)
	return err
}

func (g SystemGit) FetchRef(ctx context.Context, dir, remote, ref string) error {
	_, err := g.run(ctx, dir, "fetch", remote, ref)
	return err
}

func (g SystemGit) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, err := g.run(ctx, dir, "merge-base", a, b)
	return strings.TrimSpace(out), err
}

// Diff returns the paths that changed between before and after,
// relative to dir.
func (g SystemGit) Diff(ctx context.Context, dir, before, after string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", before, after)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
