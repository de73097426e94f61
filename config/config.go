// Package config defines the configuration structs loaded by every af
// binary, generalizing the teacher's file+env+flag precedence loader
// (cliconfig) from a single Buildkite agent config struct into the
// dispatcher/agent/project shapes this system needs.
package config

import (
	"time"

	"github.com/apkfoundry/af/cliconfig"
	"github.com/apkfoundry/af/logger"
	"github.com/urfave/cli"
)

// Dispatcher holds the configuration for the af-dispatcher process:
// broker connection, events directory, and SQL store location.
type Dispatcher struct {
	Config string `cli:"config"`

	BrokerURL      string `cli:"broker-url" validate:"required" env:"AF_BROKER_URL"`
	BrokerUser     string `cli:"broker-user" env:"AF_BROKER_USER"`
	BrokerPassword string `cli:"broker-password" env:"AF_BROKER_PASSWORD"`
	ClientID       string `cli:"client-id" env:"AF_DISPATCHER_CLIENT_ID"`

	EventsDir string `cli:"events-dir" normalize:"filepath" validate:"required"`
	DBPath    string `cli:"db-path" normalize:"filepath" validate:"required"`

	StatusAddr string `cli:"status-addr"`

	LogLevel string `cli:"log-level"`
}

// Agent holds the configuration for the af-agent process: broker
// connection, builder identity, subordinate id ranges, and container
// defaults.
type Agent struct {
	Config string `cli:"config"`

	BrokerURL      string `cli:"broker-url" validate:"required" env:"AF_BROKER_URL"`
	BrokerUser     string `cli:"broker-user" env:"AF_BROKER_USER"`
	BrokerPassword string `cli:"broker-password" env:"AF_BROKER_PASSWORD"`

	Name   string   `cli:"name" validate:"required"`
	Arches []string `cli:"arches" normalize:"list" validate:"required"`

	Concurrency int `cli:"concurrency"`

	CDirRoot   string `cli:"cdir-root" normalize:"filepath" validate:"required"`
	LibexecDir string `cli:"libexec-dir" normalize:"filepath" validate:"required"`

	UIDSubBase int `cli:"uid-sub-base"`
	GIDSubBase int `cli:"gid-sub-base"`

	StatusAddr string `cli:"status-addr"`

	LogLevel string `cli:"log-level"`
}

// Project describes the per-project settings read from a project's af
// configuration: which arches it builds for, where the rootfs images
// live, and its bootstrap/refresh/skel hooks.
type Project struct {
	Name          string              `json:"name"`
	Branch        string              `json:"branch"`
	Arches        []string            `json:"arches"`
	RootfsURL     map[string]string   `json:"rootfs_url"`    // arch -> URL
	RootfsSHA256  map[string]string   `json:"rootfs_sha256"` // arch -> digest
	Bootstrap     string              `json:"bootstrap"`
	Refresh       string              `json:"refresh"`
	BuildScript   string              `json:"build_script"`
	SkelDirs      []string            `json:"skel_dirs"`
	SkipPerArch   map[string][]string `json:"skip_per_arch"` // startdir -> arches to skip
	IgnoreDepsSrc [][2]string         `json:"ignore_deps"`
}

// ArchEnabled reports whether arch is in the project's enabled set.
func (p *Project) ArchEnabled(arch string) bool {
	for _, a := range p.Arches {
		if a == arch {
			return true
		}
	}
	return false
}

// ArchSkipped reports whether startdir is on the skip list for arch.
func (p *Project) ArchSkipped(startdir, arch string) bool {
	for _, a := range p.SkipPerArch[startdir] {
		if a == arch {
			return true
		}
	}
	return false
}

// LoadDispatcher loads a Dispatcher config from ctx using the shared
// cliconfig.Loader: CLI flags override config file values. The loader
// reads a field's env tag only for positional (arg:) fields, so the
// env tags on these structs are not read from the environment.
func LoadDispatcher(ctx *cli.Context, log logger.Logger, defaultConfigPaths []string) (*Dispatcher, []string, error) {
	cfg := &Dispatcher{}
	loader := cliconfig.Loader{
		CLI:                    ctx,
		Config:                 cfg,
		Logger:                 log,
		DefaultConfigFilePaths: defaultConfigPaths,
	}
	warnings, err := loader.Load()
	return cfg, warnings, err
}

// LoadAgent loads an Agent config from ctx using the shared
// cliconfig.Loader.
func LoadAgent(ctx *cli.Context, log logger.Logger, defaultConfigPaths []string) (*Agent, []string, error) {
	cfg := &Agent{}
	loader := cliconfig.Loader{
		CLI:                    ctx,
		Config:                 cfg,
		Logger:                 log,
		DefaultConfigFilePaths: defaultConfigPaths,
	}
	warnings, err := loader.Load()
	return cfg, warnings, err
}

// ReconnectBackoff is the shared broker reconnect delay, a fixed value
// that is not read from config.
const ReconnectBackoff = 2 * time.Second
