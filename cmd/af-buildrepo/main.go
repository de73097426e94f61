// af-buildrepo is the host-side build driver (spec.md §6.1): create or
// reuse a container, compute the build order for the requested
// startdirs, and build them in dependency order under a failure
// policy.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/apkfoundry/af/depgraph"
	"github.com/apkfoundry/af/eventmodel"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/rootd"
	"github.com/apkfoundry/af/sandbox"
	"github.com/apkfoundry/af/scheduler"
	"github.com/apkfoundry/af/signalwatcher"
	"github.com/apkfoundry/af/taskrunner"
)

func main() {
	app := cli.NewApp()
	app.Name = "af-buildrepo"
	app.Usage = "build a set of packages inside an APK Foundry container"
	app.Version = "1"
	app.ArgsUsage = "REPODEST [STARTDIR ...]"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "arch", Usage: "target architecture"},
		cli.StringFlag{Name: "branch", Usage: "aports branch name", Value: "master"},
		cli.StringFlag{Name: "aportsdir", Usage: "path to the aports tree", Value: "."},
		cli.StringFlag{Name: "cdir", Usage: "container directory (reused if it already exists)"},
		cli.StringFlag{Name: "setarch", Usage: "setarch variant to run builds under"},
		cli.StringFlag{Name: "srcdest", Usage: "external distfiles directory"},
		cli.StringFlag{Name: "build-script", Usage: "build script path, relative to aportsdir", Value: "main/build.sh"},
		cli.StringFlag{Name: "libexec-dir", Usage: "host directory holding af-sudo and friends"},
		cli.StringFlag{
			Name:  "delete",
			Usage: "when to delete the container: always, on-success, never",
			Value: "never",
		},
		cli.BoolFlag{Name: "dry-run", Usage: "print the computed build order and exit"},
		cli.StringFlag{Name: "rev-range", Usage: "BEFORE..AFTER git range; build only changed startdirs within it"},
		cli.StringFlag{Name: "changes-helper", Usage: "path to the af-changes helper", Value: "af-changes"},
		cli.StringFlag{Name: "key", Usage: "abuild signing key identity (passed through to the build script)"},
		cli.BoolFlag{Name: "interactive", Usage: "prompt on task failure: i(gnore) counts the task as successful; any other answer leaves it failed for --on-failure"},
		cli.StringFlag{Name: "on-failure", Usage: "non-interactive failure policy: stop, recalculate, ignore", Value: "stop"},
		cli.IntFlag{Name: "uid-sub-base", Usage: "subordinate uid range base"},
		cli.IntFlag{Name: "gid-sub-base", Usage: "subordinate gid range base"},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "af-buildrepo:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: af-buildrepo [options] REPODEST [STARTDIR ...]", 2)
	}
	repodest := c.Args().Get(0)
	requested := c.Args().Tail()

	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		log.Warn("af-buildrepo: received %v, canceling build", sig)
		cancel()
	})

	u, err := user.Current()
	if err != nil {
		return err
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	aportsdir := c.String("aportsdir")
	cdir := c.String("cdir")
	ownCDir := cdir == ""
	if ownCDir {
		var err error
		cdir, err = os.MkdirTemp("", "af-buildrepo-*")
		if err != nil {
			return err
		}
	}

	cont, _, err := openOrMake(ctx, c, cdir, aportsdir, repodest, uid, gid, log)
	if err != nil {
		return fmt.Errorf("preparing container: %w", err)
	}

	parentConn, childConn, err := rootd.Socketpair()
	if err != nil {
		return fmt.Errorf("creating rootd socketpair: %w", err)
	}
	cont.RootdConn = childConn
	server := rootd.New(parentConn, cont, log)
	go func() {
		if err := server.Serve(ctx); err != nil {
			log.Error("af-buildrepo: rootd: %v", err)
		}
	}()

	deleteWhen := c.String("delete")
	success := false
	defer func() {
		if !ownCDir {
			return
		}
		if deleteWhen == "always" || (deleteWhen == "on-success" && success) {
			os.RemoveAll(cdir)
		}
	}()

	startdirs, err := resolveStartdirs(ctx, c, aportsdir, requested, log)
	if err != nil {
		return err
	}
	if len(startdirs) == 0 {
		log.Notice("no startdirs to build")
		success = true
		return nil
	}

	depResult, err := depgraph.Generate(ctx, cont, startdirs, nil)
	if err != nil {
		return fmt.Errorf("computing build order: %w", err)
	}
	for _, w := range depResult.Warnings {
		log.Warn("af-buildrepo: %s", w)
	}

	if c.Bool("dry-run") {
		order, err := depResult.Graph.TopologicalSort()
		if err != nil {
			return err
		}
		for _, sd := range order {
			fmt.Println(sd)
		}
		success = true
		return nil
	}

	policy, err := parsePolicy(c.String("on-failure"))
	if err != nil {
		return err
	}

	runner := &buildRunner{
		cont:        cont,
		buildScript: c.String("build-script"),
		log:         log,
		interactive: c.Bool("interactive"),
	}

	results, err := scheduler.Run(ctx, depResult.Graph, startdirs, policy, runner)
	if err != nil {
		return fmt.Errorf("running build: %w", err)
	}

	summary := scheduler.Summarize(results)
	log.Notice("build complete: %d success, %d fail, %d depfail, %d cancel",
		summary.Success, summary.Fail, summary.DepFail, summary.Cancel)

	success = !summary.AnyFailure()
	return cli.NewExitError("", nonSuccessClasses(summary))
}

func openOrMake(ctx context.Context, c *cli.Context, cdir, aportsdir, repodest string, uid, gid int, log logger.Logger) (*sandbox.Container, bool, error) {
	if _, err := os.Stat(cdir); err == nil {
		cont, err := sandbox.Load(cdir, uid, gid, c.Int("uid-sub-base"), c.Int("gid-sub-base"), c.String("arch"), c.String("libexec-dir"), nil, log)
		return cont, false, err
	}

	cfg := sandbox.BuildConfig{
		CDir:       cdir,
		UID:        uid,
		GID:        gid,
		UIDSubBase: c.Int("uid-sub-base"),
		GIDSubBase: c.Int("gid-sub-base"),
		Branch:     c.String("branch"),
		Repo:       "main",
		Setarch:    c.String("setarch"),
		Arch:       c.String("arch"),
		LibexecDir: c.String("libexec-dir"),
		Mounts: map[sandbox.MountPoint]string{
			sandbox.Aportsdir: aportsdir,
			sandbox.Repodest:  repodest,
			sandbox.Srcdest:   c.String("srcdest"),
		},
	}

	cont, err := sandbox.Make(ctx, cfg, &sandbox.HTTPFetcher{}, log)
	return cont, true, err
}

func resolveStartdirs(ctx context.Context, c *cli.Context, aportsdir string, requested []string, log logger.Logger) ([]string, error) {
	revRange := c.String("rev-range")
	if revRange == "" {
		return requested, nil
	}

	before, after, ok := strings.Cut(revRange, "..")
	if !ok {
		return nil, fmt.Errorf("malformed --rev-range %q, expected BEFORE..AFTER", revRange)
	}

	changes := eventmodel.SystemChanges{Path: c.String("changes-helper"), Log: log}
	changed, err := changes.Changes(ctx, aportsdir, before, after)
	if err != nil {
		return nil, fmt.Errorf("computing changed startdirs: %w", err)
	}

	if len(requested) == 0 {
		return changed, nil
	}

	want := make(map[string]bool, len(requested))
	for _, sd := range requested {
		want[sd] = true
	}
	var filtered []string
	for _, sd := range changed {
		if want[sd] {
			filtered = append(filtered, sd)
		}
	}
	return filtered, nil
}

func parsePolicy(name string) (scheduler.Policy, error) {
	switch name {
	case "stop":
		return scheduler.Stop, nil
	case "recalculate":
		return scheduler.Recalculate, nil
	case "ignore":
		return scheduler.Ignore, nil
	default:
		return 0, fmt.Errorf("unknown --on-failure policy %q", name)
	}
}

// nonSuccessClasses counts the distinct non-success status classes
// present in summary, per spec.md §6.1's "exit code is the number of
// non-success status classes".
func nonSuccessClasses(s scheduler.Summary) int {
	classes := 0
	if s.Fail > 0 {
		classes++
	}
	if s.Error > 0 && s.Error != s.Fail {
		classes++
	}
	if s.DepFail > 0 {
		classes++
	}
	if s.Cancel > 0 {
		classes++
	}
	return classes
}

// buildRunner adapts taskrunner.Run to scheduler.TaskRunner, adding
// the --interactive i/r/S prompt on a failed task.
type buildRunner struct {
	cont        *sandbox.Container
	buildScript string
	log         logger.Logger
	interactive bool
}

func (r *buildRunner) RunTask(ctx context.Context, startdir string) (bool, error) {
	result, err := taskrunner.Run(ctx, r.cont, r.log, r.buildScript, startdir)
	if err != nil {
		return false, err
	}
	if result.Success {
		return true, nil
	}

	r.log.Error("af-buildrepo: %s failed (exit %d)", startdir, result.ExitCode)
	if !r.interactive {
		return false, nil
	}

	return r.promptRetry(startdir)
}

// promptRetry implements the interactive i(gnore)/r(ecalculate)/S(top)
// choice from spec.md §4.2's networked/superuser debug shells
// paragraph, reduced here to the scheduler's three failure policies
// applied to one build: 'i' treats this task as successful and lets
// dependents proceed, 'r'/'S' both report failure and let the
// scheduler's configured policy decide what happens to the rest.
func (r *buildRunner) promptRetry(startdir string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s failed. (i)gnore, or Enter to leave it failed? ", startdir)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "i":
		return true, nil
	default:
		return false, nil
	}
}
