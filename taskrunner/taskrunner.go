// Package taskrunner builds a single startdir inside a container:
// workspace reset, environment setup, the opportunistic net-option
// scan, and tmp cleanup on success.
package taskrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/sandbox"
)

// Container is the slice of *sandbox.Container a task run needs.
type Container interface {
	Run(ctx context.Context, argv []string, opts sandbox.RunOptions) (int, error)
	Aportsdir() (string, error)
	InfoDir(mp sandbox.MountPoint) string
	SetRepo(repo string) error
}

// successExit and altSuccessExit are the two build-script exit codes
// that count as a successful task.
const (
	successExit    = 0
	altSuccessExit = 10
)

// Result is the outcome of a single task run.
type Result struct {
	ExitCode int
	Success  bool
}

// Run builds startdir (a "repo/pkg" path) by invoking buildScript
// inside c's sandbox.
func Run(ctx context.Context, c Container, log logger.Logger, buildScript, startdir string) (Result, error) {
	buildbaseHost := filepath.Join(c.InfoDir(sandbox.Builddir), startdir)
	tmpReal := filepath.Join(buildbaseHost, "tmp")

	if err := os.RemoveAll(buildbaseHost); err != nil {
		return Result{}, fmt.Errorf("taskrunner: clearing buildbase: %w", err)
	}
	if err := os.MkdirAll(tmpReal, 0o755); err != nil {
		return Result{}, fmt.Errorf("taskrunner: recreating tmp: %w", err)
	}

	buildbase := "/af/build/" + startdir
	tmp := buildbase + "/tmp"
	env := map[string]string{
		"HOME":          tmp,
		"TEMP":          tmp,
		"TEMPDIR":       tmp,
		"TMP":           tmp,
		"TMPDIR":        tmp,
		"ABUILD_TMP":    "/af/build",
		"CLEANUP":       "srcdir pkgdir",
		"ERROR_CLEANUP": "",
	}

	network, err := recipeWantsNet(c, startdir)
	if err != nil {
		return Result{}, err
	}
	if network {
		log.Warn("taskrunner: %s requests networking via options=net", startdir)
	}

	repo := strings.SplitN(startdir, "/", 2)[0]
	if err := c.SetRepo(repo); err != nil {
		return Result{}, err
	}

	rc, err := c.Run(ctx, []string{buildScript, startdir}, sandbox.RunOptions{
		Network:  network,
		Writable: true,
		ExtraEnv: env,
	})
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: running build script: %w", err)
	}

	success := rc == successExit || rc == altSuccessExit
	if success {
		if err := os.RemoveAll(tmpReal); err != nil {
			log.Warn("taskrunner: cleaning up tmp for %s: %v", startdir, err)
		}
	}

	return Result{ExitCode: rc, Success: success}, nil
}

// recipeWantsNet scans startdir's APKBUILD for an options=... array
// containing "net".
func recipeWantsNet(c Container, startdir string) (bool, error) {
	aportsdir, err := c.Aportsdir()
	if err != nil {
		return false, err
	}

	b, err := os.ReadFile(filepath.Join(aportsdir, startdir, "APKBUILD"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("taskrunner: reading APKBUILD: %w", err)
	}

	for _, line := range strings.Split(string(b), "\n") {
		if matchesNetOption(line) {
			return true, nil
		}
	}
	return false, nil
}

// matchesNetOption implements the options=...\bnet\b... scan without
// relying on Go regexp's lack of backreferences for the quote
// character: it checks both plausible quote styles directly.
func matchesNetOption(line string) bool {
	if !strings.HasPrefix(line, "options=") {
		return false
	}
	rest := strings.TrimPrefix(line, "options=")
	rest = strings.Trim(rest, `"'`)
	for _, tok := range strings.Fields(rest) {
		if tok == "net" {
			return true
		}
	}
	return false
}
