package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/process"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// containerPath is where each MountPoint lands inside the container,
// distinct from the af/config/<name> symlink names used to resolve
// the host-side source.
var containerPath = map[MountPoint]string{
	Aportsdir: "/af/aports",
	Builddir:  "/af/build",
	Repodest:  "/af/repos",
	Srcdest:   "/af/distfiles",
}

// jailerConfig is handed to the re-exec'd stage-2 process as a JSON
// file; it fully describes one Run invocation.
type jailerConfig struct {
	CDir       string
	Root       bool
	Network    bool
	Writable   bool
	Setarch    string
	LibexecDir string
	Dir        string
	Mounts     map[string]string // container path -> host path
	Env        []string
	Argv       []string
}

const (
	jailerStageEnv   = "AF_JAILER_STAGE"
	jailerStageValue = "2"
	jailerConfigEnv  = "AF_JAILER_CONFIG"

	// RootdFDEnv names the env var af-sudo reads inside the jail to
	// find the inherited rootd socket fd.
	RootdFDEnv = "AF_ROOTD_FD"
)

// launch runs argv inside c's namespace sandbox and returns its exit
// code. Return code is the first nonzero among {newuidmap, newgidmap,
// child}.
func launch(ctx context.Context, c *Container, argv []string, opts RunOptions) (int, error) {
	if c.UIDSubBase == 0 && c.GIDSubBase == 0 {
		return -1, fmt.Errorf("sandbox: container has no subordinate id range configured")
	}

	mounts := map[string]string{}
	for _, mp := range mountPoints {
		host, err := c.resolveLink(string(mp))
		if err != nil {
			return -1, err
		}
		mounts[containerPath[mp]] = host
	}

	env := buildEnv(c, opts)

	cfg := jailerConfig{
		CDir:       c.CDir,
		Root:       opts.Root,
		Network:    opts.Network,
		Writable:   opts.Writable,
		Setarch:    c.Setarch,
		LibexecDir: c.LibexecDir,
		Dir:        opts.Dir,
		Mounts:     mounts,
		Env:        env,
		Argv:       argv,
	}

	cfgFile, err := os.CreateTemp("", "af-jailer-*.json")
	if err != nil {
		return -1, err
	}
	cfgPath := cfgFile.Name()
	defer os.Remove(cfgPath)

	if err := json.NewEncoder(cfgFile).Encode(&cfg); err != nil {
		cfgFile.Close()
		return -1, err
	}
	if err := cfgFile.Close(); err != nil {
		return -1, err
	}

	selfExe, err := os.Executable()
	if err != nil {
		return -1, fmt.Errorf("sandbox: resolving own executable: %w", err)
	}

	syncR, syncW, err := os.Pipe()
	if err != nil {
		return -1, err
	}

	cmd := exec.Command(selfExe)
	cmd.Env = append(os.Environ(), jailerStageEnv+"="+jailerStageValue, jailerConfigEnv+"="+cfgPath)
	cmd.ExtraFiles = []*os.File{syncR}

	if c.RootdConn != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, c.RootdConn)
		// ExtraFiles[i] lands at fd 3+i in the child; record where the
		// rootd socket ends up so af-sudo (inside the jail) knows which
		// fd to call rootd.Call on.
		rootdFD := 2 + len(cmd.ExtraFiles)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", RootdFDEnv, rootdFD))
	}

	cloneFlags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
		unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP
	if !opts.Network {
		cloneFlags |= unix.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: uintptr(cloneFlags)}

	var ptyMaster *os.File
	if opts.Interactive {
		ptyMaster, err = pty.Start(cmd)
	} else {
		cmd.Stdin = firstNonNil(opts.Stdin, os.Stdin)
		cmd.Stdout = firstNonNil(opts.Stdout, os.Stdout)
		cmd.Stderr = firstNonNil(opts.Stderr, os.Stderr)
		err = cmd.Start()
	}
	syncR.Close()
	if err != nil {
		syncW.Close()
		return -1, fmt.Errorf("sandbox: starting jailer: %w", err)
	}
	if ptyMaster != nil {
		defer ptyMaster.Close()
	}

	pid := cmd.Process.Pid

	uidRC, err := runIDMapHelper(ctx, c.Log, "newuidmap", pid, c.UID, c.UIDSubBase)
	if err != nil {
		uidRC = 1
	}
	gidRC, err := runIDMapHelper(ctx, c.Log, "newgidmap", pid, c.GID, c.GIDSubBase)
	if err != nil {
		gidRC = 1
	}

	// Unblock the child regardless of outcome; if the maps failed to
	// apply the child's own mount/chroot calls will fail and it will
	// exit nonzero on its own.
	syncW.Write([]byte{1})
	syncW.Close()

	waitErr := cmd.Wait()
	childRC := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				childRC = ws.ExitStatus()
			} else {
				childRC = 1
			}
		} else {
			return -1, fmt.Errorf("sandbox: waiting on jailer: %w", waitErr)
		}
	}

	for _, rc := range []int{uidRC, gidRC, childRC} {
		if rc != 0 {
			return rc, nil
		}
	}
	return 0, nil
}

func runIDMapHelper(ctx context.Context, log logger.Logger, tool string, pid, id, subBase int) (int, error) {
	triples, err := DeriveIDMap(id, subBase)
	if err != nil {
		return 1, err
	}

	args := []string{strconv.Itoa(pid)}
	for _, t := range triples {
		args = append(args, strconv.Itoa(t.Inside), strconv.Itoa(t.Outside), strconv.Itoa(t.Count))
	}

	log.Debug("sandbox: running %s %v", tool, args)

	p := process.New(log, process.Config{Path: tool, Args: args})
	if err := p.Run(ctx); err != nil {
		if ws := p.WaitStatus(); ws != nil {
			return ws.ExitStatus(), nil
		}
		return 1, err
	}
	return 0, nil
}

func firstNonNil(f *os.File, fallback *os.File) *os.File {
	if f != nil {
		return f
	}
	return fallback
}
