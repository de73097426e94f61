// af-dispatcher is the dispatcher daemon (spec.md §5): an inbound
// receiver that materializes webhook-dropped event files, a single
// SQL writer thread, and the dispatch-plane broker client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/apkfoundry/af/broker"
	"github.com/apkfoundry/af/config"
	"github.com/apkfoundry/af/dispatch"
	"github.com/apkfoundry/af/eventmodel"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/notifyfifo"
	"github.com/apkfoundry/af/queue"
	"github.com/apkfoundry/af/signalwatcher"
	"github.com/apkfoundry/af/status"
	"github.com/apkfoundry/af/storage"
)

func main() {
	app := cli.NewApp()
	app.Name = "af-dispatcher"
	app.Usage = "APK Foundry event-to-job dispatcher daemon"
	app.Version = "1"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "config file path"},
		cli.StringFlag{Name: "broker-url", Usage: "MQTT broker URL, e.g. tcp://localhost:1883"},
		cli.StringFlag{Name: "broker-user"},
		cli.StringFlag{Name: "broker-password"},
		cli.StringFlag{Name: "client-id", Value: "af-dispatcher"},
		cli.StringFlag{Name: "events-dir", Usage: "directory polled for webhook-dropped event JSON files"},
		cli.StringFlag{Name: "db-path", Usage: "SQLite database path"},
		cli.StringFlag{Name: "status-addr", Usage: "address to serve /status and /metrics on", Value: "127.0.0.1:8081"},
		cli.StringFlag{Name: "log-level", Value: "info"},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "af-dispatcher:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.NewConsoleLogger(logger.NewTextPrinter(os.Stderr), os.Exit)

	var configPaths []string
	if p := c.String("config"); p != "" {
		configPaths = []string{p}
	}
	cfg, warnings, err := config.LoadDispatcher(c, log, configPaths)
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

	store, err := storage.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	dbq := queue.New[*storage.Write]()
	go store.RunWriter(ctx, dbq)

	b, err := broker.Connect(ctx, broker.Options{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientID,
		Username:  cfg.BrokerUser,
		Password:  cfg.BrokerPassword,
	}, log)
	if err != nil {
		log.Fatal("connecting to broker: %v", err)
		return err
	}
	defer b.Disconnect(2000)

	d := dispatch.New(b, store, dbq, log)
	if err := d.Subscribe(); err != nil {
		log.Fatal("subscribing to dispatch topics: %v", err)
		return err
	}

	if err := os.MkdirAll(cfg.EventsDir, 0o770); err != nil {
		return fmt.Errorf("creating events dir: %w", err)
	}
	fifoPath := filepath.Join(cfg.EventsDir, "notify.fifo")
	fifo, err := notifyfifo.Create(fifoPath)
	if err != nil {
		return fmt.Errorf("creating notify fifo: %w", err)
	}

	recv := &receiver{
		eventsDir: cfg.EventsDir,
		dispatch:  d,
		dbq:       dbq,
		store:     store,
		log:       log,
	}
	go recv.run(ctx, fifo)

	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		log.Warn("af-dispatcher: received %v, shutting down", sig)
		fifo.Shutdown()
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

// receiver is the inbound event thread: it reads single-byte codes
// off the notify FIFO and, on a poll code, scans eventsDir for
// *.json event files dropped by a webhook receiver, materializing
// each in turn (spec.md §4.7, §6.5).
type receiver struct {
	eventsDir string
	dispatch  *dispatch.Dispatcher
	dbq       *queue.Queue[*storage.Write]
	store     *storage.Store
	log       logger.Logger
}

func (r *receiver) run(ctx context.Context, fifo *notifyfifo.FIFO) {
	// Pick up anything already waiting before the first poke.
	r.poll(ctx)

	reader, err := fifo.Reader()
	if err != nil {
		r.log.Error("[dispatcher] opening notify fifo: %v", err)
		return
	}
	defer reader.Close()

	buf := make([]byte, 1)
	for {
		n, err := reader.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("[dispatcher] reading notify fifo: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case notifyfifo.CodeShutdown:
			return
		case notifyfifo.CodePoll:
			r.poll(ctx)
		case notifyfifo.CodeLiveness:
			// no-op: Probe's write succeeding is the liveness signal.
		}
	}
}

func (r *receiver) poll(ctx context.Context) {
	entries, err := os.ReadDir(r.eventsDir)
	if err != nil {
		r.log.Error("[dispatcher] reading events dir: %v", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(r.eventsDir, entry.Name())
		if err := r.materializeFile(ctx, path); err != nil {
			r.log.Error("[dispatcher] materializing %s: %v", path, err)
			os.Rename(path, path+".failed")
			continue
		}
		os.Remove(path)
	}
}

func (r *receiver) materializeFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var e model.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("parsing event file: %w", err)
	}

	project := &config.Project{Arches: []string{"x86_64"}}
	projCfgPath := filepath.Join(r.eventsDir, "projects", e.Project+".json")
	if raw, err := os.ReadFile(projCfgPath); err == nil {
		if err := json.Unmarshal(raw, project); err != nil {
			return fmt.Errorf("parsing project config %s: %w", projCfgPath, err)
		}
	}

	workDir := filepath.Join(os.TempDir(), "af-event-"+uuid.NewString())
	defer os.RemoveAll(workDir)

	deps := eventmodel.Deps{
		Git:        eventmodel.SystemGit{Log: r.log},
		Changes:    eventmodel.SystemChanges{Path: "af-changes", Log: r.log},
		Maintainer: eventmodel.SystemMaintainer{Path: "af-maintainer", Log: r.log},
		Arch:       eventmodel.SystemArch{Path: "af-arch", Log: r.log},
		Store:      r.store,
		DBQueue:    r.dbq,
		Dispatch: func(j *model.Job) error {
			r.dispatch.Enqueue(ctx, j)
			return nil
		},
		Project: project,
		WorkDir: workDir,
		Log:     r.log,
	}

	_, err = eventmodel.Materialize(ctx, deps, &e)
	return err
}
