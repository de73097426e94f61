// af-agent is the agent daemon (spec.md §5): it advertises a builder
// identity on the broker, accepts or rejects jobs addressed to it, and
// runs accepted jobs against a per-architecture container, publishing
// Task and Job status transitions as it goes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/apkfoundry/af/agentd"
	"github.com/apkfoundry/af/broker"
	"github.com/apkfoundry/af/config"
	"github.com/apkfoundry/af/depgraph"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/rootd"
	"github.com/apkfoundry/af/sandbox"
	"github.com/apkfoundry/af/scheduler"
	"github.com/apkfoundry/af/signalwatcher"
	"github.com/apkfoundry/af/status"
	"github.com/apkfoundry/af/taskrunner"
)

func main() {
	app := cli.NewApp()
	app.Name = "af-agent"
	app.Usage = "APK Foundry build agent daemon"
	app.Version = "1"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "config file path"},
		cli.StringFlag{Name: "broker-url"},
		cli.StringFlag{Name: "broker-user"},
		cli.StringFlag{Name: "broker-password"},
		cli.StringFlag{Name: "name", Usage: "builder name advertised on the broker"},
		cli.StringSliceFlag{Name: "arches", Usage: "supported architectures (repeatable)"},
		cli.IntFlag{Name: "concurrency", Value: 1},
		cli.StringFlag{Name: "cdir-root", Usage: "parent directory holding one container per arch"},
		cli.StringFlag{Name: "libexec-dir"},
		cli.StringFlag{Name: "aportsdir", Value: "."},
		cli.StringFlag{Name: "build-script", Value: "main/build.sh"},
		cli.IntFlag{Name: "uid-sub-base"},
		cli.IntFlag{Name: "gid-sub-base"},
		cli.StringFlag{Name: "status-addr", Value: "127.0.0.1:8082"},
		cli.StringFlag{Name: "log-level", Value: "info"},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "af-agent:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	var configPaths []string
	if p := c.String("config"); p != "" {
		configPaths = []string{p}
	}
	cfg, warnings, err := config.LoadAgent(c, log, configPaths)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		log.Warn("config: %s", w)
	}
	if lvl, err := logger.LevelFromString(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u, err := user.Current()
	if err != nil {
		return err
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	runner := &jobRunner{
		cdirRoot:    cfg.CDirRoot,
		aportsdir:   c.String("aportsdir"),
		buildScript: c.String("build-script"),
		libexecDir:  cfg.LibexecDir,
		uid:         uid,
		gid:         gid,
		uidSubBase:  cfg.UIDSubBase,
		gidSubBase:  cfg.GIDSubBase,
		containers:  map[string]*containerHandle{},
		log:         log,
	}

	a := agentd.New(cfg.Name, cfg.Arches, cfg.Concurrency, nil, runner, log)

	will := a.LastWill()
	b, err := broker.Connect(ctx, broker.Options{
		BrokerURL: cfg.BrokerURL,
		ClientID:  "af-agent-" + cfg.Name,
		Username:  cfg.BrokerUser,
		Password:  cfg.BrokerPassword,
		Will:      &will,
	}, log)
	if err != nil {
		log.Fatal("connecting to broker: %v", err)
		return err
	}
	defer b.Disconnect(2000)

	a.SetBroker(b)
	runner.broker = b

	if err := a.Subscribe(); err != nil {
		log.Fatal("subscribing to job topics: %v", err)
		return err
	}
	if err := a.Announce(); err != nil {
		return fmt.Errorf("announcing builder state: %w", err)
	}

	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		log.Warn("af-agent: received %v, shutting down", sig)
		cancel()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/status", status.Handle)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.StatusAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server: %v", err)
		}
	}()

	<-ctx.Done()
	srv.Close()
	return nil
}

// containerHandle pairs a long-lived per-arch container with the
// root-daemon server relaying its privileged commands, spawned lazily
// the first time that arch is needed (spec.md §5 "a root-daemon
// server thread per container, spawned lazily when a container is
// opened").
type containerHandle struct {
	cont   *sandbox.Container
	cancel context.CancelFunc
}

// jobRunner implements agentd.JobRunner by reusing (or creating) a
// per-architecture container and running the job's tasks through
// depgraph/scheduler/taskrunner, publishing Task and Job status
// transitions as it goes.
type jobRunner struct {
	cdirRoot    string
	aportsdir   string
	buildScript string
	libexecDir  string
	uid, gid    int
	uidSubBase  int
	gidSubBase  int

	broker *broker.Client
	log    logger.Logger

	mu         sync.Mutex
	containers map[string]*containerHandle
}

func (r *jobRunner) RunJob(ctx context.Context, job *model.Job) error {
	ch, err := r.containerFor(ctx, job.Arch)
	if err != nil {
		return r.failJob(job, err)
	}

	started := *job
	started.Status = model.START
	r.publishJob(&started)

	startdirs := make([]string, 0, len(job.Tasks))
	byStartdir := make(map[string]*model.Task, len(job.Tasks))
	for _, t := range job.Tasks {
		t.Project, t.Type, t.Target = job.Project, job.Type, job.Target
		t.EventID, t.Builder, t.Arch = job.EventID, job.Builder, job.Arch
		sd := t.Startdir()
		startdirs = append(startdirs, sd)
		byStartdir[sd] = t
	}

	depResult, err := depgraph.Generate(ctx, ch.cont, startdirs, nil)
	if err != nil {
		return r.failJob(job, err)
	}
	for _, w := range depResult.Warnings {
		r.log.Warn("[af-agent] job %d: %s", job.ID, w)
	}

	adapter := &taskAdapter{
		cont:        ch.cont,
		buildScript: r.buildScript,
		log:         r.log,
		byStartdir:  byStartdir,
		publish:     r.publishTask,
	}

	results, err := scheduler.Run(ctx, depResult.Graph, startdirs, scheduler.Stop, adapter)
	if err != nil {
		return r.failJob(job, err)
	}

	summary := scheduler.Summarize(results)
	final := *job
	if summary.AnyFailure() {
		final.Status = model.FAIL
	} else {
		final.Status = model.SUCCESS
	}
	r.publishJob(&final)
	return nil
}

func (r *jobRunner) failJob(job *model.Job, cause error) error {
	r.log.Error("[af-agent] job %d: %v", job.ID, cause)
	failed := *job
	failed.Status = model.ERROR
	r.publishJob(&failed)
	return cause
}

func (r *jobRunner) publishJob(j *model.Job) {
	payload, err := json.Marshal(j)
	if err != nil {
		r.log.Error("[af-agent] marshaling job %d: %v", j.ID, err)
		return
	}
	if err := r.broker.Publish(j.Topic(), 2, false, payload); err != nil {
		r.log.Error("[af-agent] publishing job %d: %v", j.ID, err)
	}
}

func (r *jobRunner) publishTask(t *model.Task) {
	payload, err := json.Marshal(t)
	if err != nil {
		r.log.Error("[af-agent] marshaling task %d: %v", t.ID, err)
		return
	}
	if err := r.broker.Publish(t.Topic(), 2, false, payload); err != nil {
		r.log.Error("[af-agent] publishing task %d: %v", t.ID, err)
	}
}

func (r *jobRunner) containerFor(ctx context.Context, arch string) (*containerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.containers[arch]; ok {
		return ch, nil
	}

	cdir := filepath.Join(r.cdirRoot, arch)
	var cont *sandbox.Container
	var err error
	if _, statErr := os.Stat(cdir); statErr == nil {
		cont, err = sandbox.Load(cdir, r.uid, r.gid, r.uidSubBase, r.gidSubBase, arch, r.libexecDir, nil, r.log)
	} else {
		cont, err = sandbox.Make(ctx, sandbox.BuildConfig{
			CDir:       cdir,
			UID:        r.uid,
			GID:        r.gid,
			UIDSubBase: r.uidSubBase,
			GIDSubBase: r.gidSubBase,
			Repo:       "main",
			Arch:       arch,
			LibexecDir: r.libexecDir,
			Mounts:     map[sandbox.MountPoint]string{sandbox.Aportsdir: r.aportsdir},
		}, &sandbox.HTTPFetcher{}, r.log)
	}
	if err != nil {
		return nil, fmt.Errorf("opening container for %s: %w", arch, err)
	}

	parentConn, childConn, err := rootd.Socketpair()
	if err != nil {
		return nil, fmt.Errorf("creating rootd socketpair for %s: %w", arch, err)
	}
	cont.RootdConn = childConn

	serverCtx, serverCancel := context.WithCancel(context.Background())
	server := rootd.New(parentConn, cont, r.log)
	go func() {
		if err := server.Serve(serverCtx); err != nil {
			r.log.Error("[af-agent] rootd server for %s: %v", arch, err)
		}
	}()

	ch := &containerHandle{cont: cont, cancel: serverCancel}
	r.containers[arch] = ch
	return ch, nil
}

// taskAdapter adapts taskrunner.Run to scheduler.TaskRunner, publishing
// a START message before the run and a terminal status after.
type taskAdapter struct {
	cont        *sandbox.Container
	buildScript string
	log         logger.Logger
	byStartdir  map[string]*model.Task
	publish     func(*model.Task)
}

func (a *taskAdapter) RunTask(ctx context.Context, startdir string) (bool, error) {
	t := a.byStartdir[startdir]

	t.Status = model.START
	a.publish(t)

	result, err := taskrunner.Run(ctx, a.cont, a.log, a.buildScript, startdir)
	if err != nil {
		t.Status = model.ERROR
		t.Message = err.Error()
		a.publish(t)
		return false, nil
	}

	if result.Success {
		t.Status = model.SUCCESS
	} else {
		t.Status = model.FAIL
		t.Message = fmt.Sprintf("build script exited %d", result.ExitCode)
	}
	a.publish(t)
	return result.Success, nil
}
