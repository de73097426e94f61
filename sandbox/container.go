// Package sandbox builds and drives rootless Linux build containers:
// cdir construction, idmap derivation, and the namespace/bind-mount
// jailer that runs a command inside one.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apkfoundry/af/logger"
)

// MountPoint names one of the four directories a container binds in
// from either an external host path or an internal scratch directory.
type MountPoint string

const (
	Aportsdir MountPoint = "aportsdir"
	Builddir  MountPoint = "builddir"
	Repodest  MountPoint = "repodest"
	Srcdest   MountPoint = "srcdest"
)

var mountPoints = []MountPoint{Aportsdir, Builddir, Repodest, Srcdest}

// Container is a handle to a cdir plus the identity and policy
// bindings used to launch commands inside it.
type Container struct {
	CDir     string
	UID, GID int
	Branch   string
	Repo     string
	Setarch  string
	Arch     string

	// UIDSubBase and GIDSubBase are the subordinate id ranges (from
	// /etc/subuid, /etc/subgid) the caller owns, used to derive the
	// user namespace idmap for every Run.
	UIDSubBase int
	GIDSubBase int

	// LibexecDir is the host directory holding the af-sudo shim and
	// friends, bind-mounted read-only at /af/libexec inside the
	// container.
	LibexecDir string

	// RootdConn, if set, is the connected socket used to relay
	// privileged commands to a root daemon instead of running them
	// directly (the unprivileged common case).
	RootdConn *os.File

	Log logger.Logger
}

func (c *Container) configDir() string {
	return filepath.Join(c.CDir, "af", "config")
}

// InfoDir returns the host-side scratch directory backing an internal
// (not externally supplied) mount point, e.g.
// "<cdir>/af/info/builddir". Code running outside the sandbox (the
// task runner's tmp cleanup) uses this to reach into the builddir
// mount without entering the container.
func (c *Container) InfoDir(name MountPoint) string {
	return filepath.Join(c.CDir, "af", "info", string(name))
}

// resolveLink returns the absolute target of one of the af/config
// symlinks (aportsdir, builddir, repodest, srcdest, cache).
func (c *Container) resolveLink(name string) (string, error) {
	link := filepath.Join(c.configDir(), name)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolving %s: %w", name, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(c.configDir(), target)
	}
	return target, nil
}

func (c *Container) Aportsdir() (string, error) { return c.resolveLink(string(Aportsdir)) }
func (c *Container) Builddir() (string, error)  { return c.resolveLink(string(Builddir)) }
func (c *Container) Repodest() (string, error)  { return c.resolveLink(string(Repodest)) }
func (c *Container) Srcdest() (string, error)   { return c.resolveLink(string(Srcdest)) }

// CacheDir returns the resolved cache symlink target, or "" if the
// container was built without a cache.
func (c *Container) CacheDir() string {
	target, err := c.resolveLink("cache")
	if err != nil {
		return ""
	}
	return target
}

// SetRepo updates the container's current repo, persisting it to
// af/config/repo so the in-container build tooling observes it too.
func (c *Container) SetRepo(repo string) error {
	if err := os.WriteFile(filepath.Join(c.configDir(), "repo"), []byte(repo+"\n"), 0o644); err != nil {
		return fmt.Errorf("sandbox: setting repo: %w", err)
	}
	c.Repo = repo
	return nil
}

// Load reads branch/repo/setarch metadata from an existing cdir's
// af/config directory into a Container handle.
func Load(cdir string, uid, gid, uidSubBase, gidSubBase int, arch, libexecDir string, rootdConn *os.File, log logger.Logger) (*Container, error) {
	c := &Container{
		CDir:       cdir,
		UID:        uid,
		GID:        gid,
		UIDSubBase: uidSubBase,
		GIDSubBase: gidSubBase,
		Arch:       arch,
		LibexecDir: libexecDir,
		RootdConn:  rootdConn,
		Log:        log,
	}

	branch, err := readMetaFile(filepath.Join(c.configDir(), "branch"))
	if err != nil {
		return nil, err
	}
	c.Branch = branch

	repo, err := readMetaFile(filepath.Join(c.configDir(), "repo"))
	if err != nil {
		return nil, err
	}
	c.Repo = repo

	if setarch, err := readMetaFile(filepath.Join(c.configDir(), "setarch")); err == nil {
		c.Setarch = setarch
	}

	return c, nil
}

func readMetaFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sandbox: reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// BuildConfig describes the inputs to cont_make.
type BuildConfig struct {
	CDir       string
	UID, GID   int
	UIDSubBase int
	GIDSubBase int
	Branch     string
	Repo       string
	Setarch    string
	Arch       string

	LibexecDir string

	// Mounts maps a mount point to an external host path. A missing
	// or empty entry means the mount point resolves to the internal
	// scratch directory instead.
	Mounts map[MountPoint]string

	// CacheDir is an optional external APK cache directory.
	CacheDir string

	RootfsURL    string
	RootfsSHA256 string

	// BootstrapScript is the project script run with root, network,
	// and a writable root immediately after rootfs extraction.
	BootstrapScript string

	// SkelDirs are project skel/ directories copied onto the fresh
	// container root, in order, after bootstrap runs.
	SkelDirs []string
}

// Make performs cont_make: allocates cdir, writes its skeleton,
// extracts the matching rootfs, and runs the project bootstrap
// script.
func Make(ctx context.Context, cfg BuildConfig, fetcher RootfsFetcher, log logger.Logger) (*Container, error) {
	c := &Container{
		CDir:       cfg.CDir,
		UID:        cfg.UID,
		GID:        cfg.GID,
		UIDSubBase: cfg.UIDSubBase,
		GIDSubBase: cfg.GIDSubBase,
		Branch:     cfg.Branch,
		Repo:       cfg.Repo,
		Setarch:    cfg.Setarch,
		Arch:       cfg.Arch,
		LibexecDir: cfg.LibexecDir,
		Log:        log,
	}

	if err := c.buildSkeleton(cfg); err != nil {
		return nil, err
	}

	if err := fetcher.Fetch(ctx, cfg.RootfsURL, cfg.RootfsSHA256, c.CDir); err != nil {
		os.RemoveAll(c.CDir)
		return nil, err
	}

	if cfg.BootstrapScript != "" {
		rc, err := c.Run(ctx, []string{cfg.BootstrapScript}, RunOptions{Root: true, Network: true, Writable: true})
		if err != nil {
			return nil, fmt.Errorf("sandbox: running bootstrap: %w", err)
		}
		if rc != 0 {
			return nil, fmt.Errorf("sandbox: bootstrap script exited %d", rc)
		}
	}

	for _, skel := range cfg.SkelDirs {
		if err := copyTree(skel, c.CDir); err != nil {
			return nil, fmt.Errorf("sandbox: applying skel %s: %w", skel, err)
		}
	}

	return c, nil
}

func (c *Container) buildSkeleton(cfg BuildConfig) error {
	dirs := []string{
		c.CDir,
		filepath.Join(c.CDir, "af"),
		c.configDir(),
		filepath.Join(c.CDir, "af", "info"),
		filepath.Join(c.CDir, "af", "libexec"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("sandbox: creating %s: %w", d, err)
		}
	}

	if err := os.WriteFile(filepath.Join(c.configDir(), "branch"), []byte(cfg.Branch+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.configDir(), "repo"), []byte(cfg.Repo+"\n"), 0o644); err != nil {
		return err
	}
	if cfg.Setarch != "" {
		if err := os.WriteFile(filepath.Join(c.configDir(), "setarch"), []byte(cfg.Setarch+"\n"), 0o644); err != nil {
			return err
		}
	}

	for _, mp := range mountPoints {
		internal := c.InfoDir(mp)
		if err := os.MkdirAll(internal, 0o755); err != nil {
			return err
		}

		target := cfg.Mounts[mp]
		if target == "" {
			target = internal
		}

		link := filepath.Join(c.configDir(), string(mp))
		os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("sandbox: linking %s: %w", mp, err)
		}
	}

	if cfg.CacheDir != "" {
		link := filepath.Join(c.configDir(), "cache")
		os.Remove(link)
		if err := os.Symlink(cfg.CacheDir, link); err != nil {
			return fmt.Errorf("sandbox: linking cache: %w", err)
		}
	}

	return nil
}

// RunOptions controls how a single command is launched inside a
// container.
type RunOptions struct {
	Root        bool
	Network     bool
	Writable    bool
	Interactive bool
	ExtraEnv    map[string]string
	Dir         string
	Stdin       *os.File
	Stdout      *os.File
	Stderr      *os.File
}

// Run launches argv inside the container per the bind-mount and
// namespace policy in opts, blocks until it exits, and returns its
// exit code.
func (c *Container) Run(ctx context.Context, argv []string, opts RunOptions) (int, error) {
	return launch(ctx, c, argv, opts)
}

// RunPrivileged implements rootd.Executor: it re-enters the same
// container with root, network, and a writable root, the policy the
// root daemon always runs whitelisted commands under.
func (c *Container) RunPrivileged(ctx context.Context, argv []string, stdin, stdout, stderr *os.File) (int, error) {
	return c.Run(ctx, argv, RunOptions{
		Root:     true,
		Network:  true,
		Writable: true,
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
	})
}
