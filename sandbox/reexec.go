package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// IsJailerStage reports whether the current process was re-exec'd by
// launch to run inside a fresh set of namespaces. Every cmd/ main
// must check this, via RunJailerInit, before doing anything else.
func IsJailerStage() bool {
	return os.Getenv(jailerStageEnv) == jailerStageValue
}

// RunJailerInit is the stage-2 entrypoint. It never returns: on
// success it execs the target argv in place of the calling process,
// and on failure it calls os.Exit directly, since by this point the
// process is already inside namespaces a normal return could not
// safely unwind from.
func RunJailerInit() {
	code := runJailerStage()
	os.Exit(code)
}

func runJailerStage() int {
	cfgPath := os.Getenv(jailerConfigEnv)
	f, err := os.Open(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: opening jailer config: %v\n", err)
		return 125
	}
	var cfg jailerConfig
	err = json.NewDecoder(f).Decode(&cfg)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: decoding jailer config: %v\n", err)
		return 125
	}

	// fd 3 is the sync pipe's read end (see launch's ExtraFiles).
	sync := os.NewFile(3, "af-jailer-sync")
	var b [1]byte
	if n, _ := sync.Read(b[:]); n != 1 {
		fmt.Fprintln(os.Stderr, "sandbox: idmap handshake failed")
		sync.Close()
		return 126
	}
	sync.Close()

	if err := prepareMounts(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: preparing mounts: %v\n", err)
		return 126
	}

	if err := unix.Chroot(cfg.CDir); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: chroot: %v\n", err)
		return 126
	}
	if err := unix.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: chdir: %v\n", err)
		return 126
	}
	if cfg.Dir != "" {
		if err := unix.Chdir(cfg.Dir); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox: chdir %s: %v\n", cfg.Dir, err)
			return 126
		}
	}

	if cfg.Root {
		if err := applyCapabilities(); err != nil {
			fmt.Fprintf(os.Stderr, "sandbox: applying capabilities: %v\n", err)
			return 126
		}
	}

	argv := cfg.Argv
	if cfg.Setarch != "" {
		argv = append([]string{"setarch", cfg.Setarch}, argv...)
	}

	bin, err := resolveExecPath(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: resolving %q: %v\n", argv[0], err)
		return 127
	}

	if err := unix.Exec(bin, argv, cfg.Env); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: exec %q: %v\n", argv[0], err)
		return 126
	}
	// unreachable: Exec only returns on error
	return 126
}

// resolveExecPath finds name on PATH if it isn't already absolute,
// searching the same minimal PATH the jailed environment sets.
func resolveExecPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range []string{"/usr/bin", "/bin", "/usr/sbin", "/sbin"} {
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("not found on PATH")
}

// prepareMounts performs the bind mounts in the order the namespace
// launcher requires: self-bind the root (read-only if not writable),
// /dev, a fresh /proc, the four dataset mounts, libexec, config, and
// the network identity files.
func prepareMounts(cfg jailerConfig) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("making mount tree private: %w", err)
	}

	if err := unix.Mount(cfg.CDir, cfg.CDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("self-binding root: %w", err)
	}
	if !cfg.Writable {
		if err := unix.Mount("", cfg.CDir, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remounting root read-only: %w", err)
		}
	}

	devTarget := filepath.Join(cfg.CDir, "dev")
	if err := os.MkdirAll(devTarget, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("/dev", devTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding /dev: %w", err)
	}

	procTarget := filepath.Join(cfg.CDir, "proc")
	if err := os.MkdirAll(procTarget, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("proc", procTarget, "proc", 0, ""); err != nil {
		return fmt.Errorf("mounting proc: %w", err)
	}

	for containerRel, hostPath := range cfg.Mounts {
		target := filepath.Join(cfg.CDir, containerRel)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(hostPath, 0o755); err != nil {
			return err
		}
		if err := unix.Mount(hostPath, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("binding %s: %w", containerRel, err)
		}
	}

	libexecTarget := filepath.Join(cfg.CDir, "af", "libexec")
	if cfg.LibexecDir != "" {
		if err := os.MkdirAll(libexecTarget, 0o755); err != nil {
			return err
		}
		if err := unix.Mount(cfg.LibexecDir, libexecTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("binding libexec: %w", err)
		}
		unix.Mount("", libexecTarget, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, "")
	}

	// af/config must stay writable (it is updated per run with the
	// current repo) even when the rest of the root is read-only.
	configTarget := filepath.Join(cfg.CDir, "af", "config")
	if err := unix.Mount(configTarget, configTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("binding af/config: %w", err)
	}

	if cfg.Network {
		for _, name := range []string{"hosts", "resolv.conf"} {
			src := filepath.Join("/etc", name)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			dst := filepath.Join(cfg.CDir, "etc", name)
			if _, err := os.Stat(dst); err != nil {
				f, ferr := os.Create(dst)
				if ferr != nil {
					continue
				}
				f.Close()
			}
			unix.Mount(src, dst, "", unix.MS_BIND, "")
		}
	}

	return nil
}
