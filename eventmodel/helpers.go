package eventmodel

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/process"
)

// ChangesHelper computes the set of changed startdirs for an event's
// revision range (the af-changes helper, spec.md §4.7 step 3).
type ChangesHelper interface {
	Changes(ctx context.Context, repoDir, before, after string) ([]string, error)
}

// MaintainerHelper looks up the maintainer address for a startdir (the
// af-maintainer helper, spec.md §4.7 step 4).
type MaintainerHelper interface {
	Maintainer(ctx context.Context, repoDir, startdir string) (string, error)
}

// ArchHelper determines the arches a startdir must be built for (the
// af-arch helper, spec.md §4.7 step 5), before project-level filtering.
type ArchHelper interface {
	Arches(ctx context.Context, repoDir, startdir string) ([]string, error)
}

// externalHelper shells out to one of the af-* line-oriented helpers
// living alongside the aports tree, the same process.Process plumbing
// SystemGit uses.
type externalHelper struct {
	Path string
	Log  logger.Logger
}

func (h externalHelper) run(ctx context.Context, dir string, args ...string) ([]string, error) {
	var out bytes.Buffer
	p := process.New(h.Log, process.Config{
		Path:   h.Path,
		Args:   args,
		Dir:    dir,
		Stdout: &out,
	})
	if err := p.Run(ctx); err != nil {
		return nil, fmt.Errorf("eventmodel: running %s: %w", h.Path, err)
	}
	if rc := p.WaitStatus().ExitStatus(); rc != 0 {
		return nil, fmt.Errorf("eventmodel: %s exited %d", h.Path, rc)
	}

	var lines []string
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// SystemChanges is the default ChangesHelper: af-changes BEFORE AFTER.
type SystemChanges struct {
	Path string
	Log  logger.Logger
}

func (h SystemChanges) Changes(ctx context.Context, repoDir, before, after string) ([]string, error) {
	return externalHelper{Path: h.Path, Log: h.Log}.run(ctx, repoDir, before, after)
}

// SystemMaintainer is the default MaintainerHelper: af-maintainer STARTDIR,
// printing a single line.
type SystemMaintainer struct {
	Path string
	Log  logger.Logger
}

func (h SystemMaintainer) Maintainer(ctx context.Context, repoDir, startdir string) (string, error) {
	lines, err := (externalHelper{Path: h.Path, Log: h.Log}).run(ctx, repoDir, startdir)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], nil
}

// SystemArch is the default ArchHelper: af-arch STARTDIR, printing one
// arch name per line.
type SystemArch struct {
	Path string
	Log  logger.Logger
}

func (h SystemArch) Arches(ctx context.Context, repoDir, startdir string) ([]string, error) {
	return (externalHelper{Path: h.Path, Log: h.Log}).run(ctx, repoDir, startdir)
}
