// af-mkchroot builds a single container directory (spec.md §6.1
// "af-mkchroot"): allocate the cdir, write its skeleton, extract the
// matching rootfs, and run the project bootstrap script.
package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/urfave/cli"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/sandbox"
)

func main() {
	app := cli.NewApp()
	app.Name = "af-mkchroot"
	app.Usage = "build a rootless APK Foundry container directory"
	app.Version = "1"
	app.ArgsUsage = "CDIR APORTSDIR"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "arch", Usage: "target architecture"},
		cli.StringFlag{Name: "branch", Usage: "aports branch name", Value: "master"},
		cli.StringFlag{Name: "cache", Usage: "external APK cache directory"},
		cli.StringFlag{Name: "repodest", Usage: "external repo destination directory"},
		cli.StringFlag{Name: "setarch", Usage: "setarch variant to run builds under"},
		cli.StringFlag{Name: "srcdest", Usage: "external distfiles directory"},
		cli.StringFlag{Name: "repo", Usage: "initial current repo", Value: "main"},
		cli.StringFlag{Name: "rootfs-url", Usage: "override rootfs.url.<arch>"},
		cli.StringFlag{Name: "rootfs-sha256", Usage: "override rootfs.sha256.<arch>"},
		cli.StringFlag{Name: "bootstrap", Usage: "bootstrap script path, relative to aportsdir"},
		cli.StringFlag{Name: "libexec-dir", Usage: "host directory holding af-sudo and friends"},
		cli.IntFlag{Name: "uid-sub-base", Usage: "subordinate uid range base"},
		cli.IntFlag{Name: "gid-sub-base", Usage: "subordinate gid range base"},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "af-mkchroot:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: af-mkchroot [options] CDIR APORTSDIR", 1)
	}
	cdir := c.Args().Get(0)
	aportsdir := c.Args().Get(1)

	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("looking up current user: %w", err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	mounts := map[sandbox.MountPoint]string{
		sandbox.Aportsdir: aportsdir,
	}
	if v := c.String("repodest"); v != "" {
		mounts[sandbox.Repodest] = v
	}
	if v := c.String("srcdest"); v != "" {
		mounts[sandbox.Srcdest] = v
	}

	cfg := sandbox.BuildConfig{
		CDir:            cdir,
		UID:             uid,
		GID:             gid,
		UIDSubBase:      c.Int("uid-sub-base"),
		GIDSubBase:      c.Int("gid-sub-base"),
		Branch:          c.String("branch"),
		Repo:            c.String("repo"),
		Setarch:         c.String("setarch"),
		Arch:            c.String("arch"),
		LibexecDir:      c.String("libexec-dir"),
		Mounts:          mounts,
		CacheDir:        c.String("cache"),
		RootfsURL:       c.String("rootfs-url"),
		RootfsSHA256:    c.String("rootfs-sha256"),
		BootstrapScript: c.String("bootstrap"),
	}

	fetcher := &sandbox.HTTPFetcher{}

	ctx := context.Background()
	if _, err := sandbox.Make(ctx, cfg, fetcher, log); err != nil {
		return fmt.Errorf("building container: %w", err)
	}

	log.Notice("container ready at %s", cdir)
	return nil
}
