// Package eventmodel materializes an Event into Jobs and Tasks
// (spec.md §4.7): persist, clone/checkout, compute changed startdirs,
// resolve maintainer and arch fan-out, insert rows, and enqueue each
// job for dispatch.
package eventmodel

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apkfoundry/af/config"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/queue"
	"github.com/apkfoundry/af/storage"
)

// Deps bundles the external collaborators Materialize needs. Git,
// Changes, Maintainer, and Arch are interfaces so tests can supply
// fakes instead of driving real helper binaries.
type Deps struct {
	Git        GitFetcher
	Changes    ChangesHelper
	Maintainer MaintainerHelper
	Arch       ArchHelper

	Store   *storage.Store
	DBQueue *queue.Queue[*storage.Write]

	// Dispatch receives each materialized job, in creation order, for
	// the dispatcher's per-arch FIFOs (spec.md §4.8).
	Dispatch func(*model.Job) error

	Project *config.Project
	WorkDir string // clone destination for this event

	Log logger.Logger
}

// Materialize runs the full event-to-jobs pipeline for e, mutating
// e.ID and e.Status in place and returning the jobs that were created
// and enqueued.
func Materialize(ctx context.Context, d Deps, e *model.Event) ([]*model.Job, error) {
	e.Status = model.NEW
	if err := storage.Submit(d.DBQueue, func(ctx context.Context, db *sql.DB) error {
		return d.Store.InsertEvent(ctx, db, e)
	}); err != nil {
		return nil, fmt.Errorf("eventmodel: persisting event: %w", err)
	}

	if err := d.fetchAndCheckout(ctx, e); err != nil {
		return nil, fmt.Errorf("eventmodel: fetching revision: %w", err)
	}

	startdirs, err := d.computeChanges(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("eventmodel: computing changes: %w", err)
	}

	jobs, err := d.fanOut(ctx, e, startdirs)
	if err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if err := d.Dispatch(j); err != nil {
			return nil, fmt.Errorf("eventmodel: enqueuing job %d: %w", j.ID, err)
		}
	}

	return jobs, nil
}

func (d Deps) fetchAndCheckout(ctx context.Context, e *model.Event) error {
	if err := d.Git.Clone(ctx, e.CloneURL, d.WorkDir); err != nil {
		return err
	}

	if e.Type == model.MR {
		if err := d.Git.FetchRef(ctx, d.WorkDir, e.MRClone, e.MRBranch); err != nil {
			return err
		}
	}

	return d.Git.Checkout(ctx, d.WorkDir, e.Revision)
}

// computeChanges implements spec.md §4.7 step 3: for PUSH, compare
// before/after (the project's previous head and the event's
// revision); for MR, compare the merge-base of target and head
// against head.
func (d Deps) computeChanges(ctx context.Context, e *model.Event) ([]string, error) {
	switch e.Type {
	case model.MR:
		base, err := d.Git.MergeBase(ctx, d.WorkDir, e.Target, e.Revision)
		if err != nil {
			return nil, err
		}
		return d.Changes.Changes(ctx, d.WorkDir, base, e.Revision)

	case model.PUSH:
		before, err := d.Git.MergeBase(ctx, d.WorkDir, e.Target, e.Revision)
		if err != nil {
			return nil, err
		}
		return d.Changes.Changes(ctx, d.WorkDir, before, e.Revision)

	default: // MANUAL: the revision is used as both ends of the comparison; Reason is not consulted
		return d.Changes.Changes(ctx, d.WorkDir, e.Revision, e.Revision)
	}
}

// fanOut implements spec.md §4.7 steps 4-6: maintainer lookup, arch
// resolution filtered by project config, and Job/Task row insertion.
func (d Deps) fanOut(ctx context.Context, e *model.Event, startdirs []string) ([]*model.Job, error) {
	type pending struct {
		startdir   string
		maintainer string
		arches     []string
	}

	plans := make([]pending, 0, len(startdirs))
	for _, sd := range startdirs {
		maintainer, err := d.Maintainer.Maintainer(ctx, d.WorkDir, sd)
		if err != nil {
			return nil, fmt.Errorf("eventmodel: maintainer lookup for %s: %w", sd, err)
		}

		arches, err := d.Arch.Arches(ctx, d.WorkDir, sd)
		if err != nil {
			return nil, fmt.Errorf("eventmodel: arch resolution for %s: %w", sd, err)
		}

		var filtered []string
		for _, a := range arches {
			if !d.Project.ArchEnabled(a) {
				continue
			}
			if d.Project.ArchSkipped(sd, a) {
				continue
			}
			filtered = append(filtered, a)
		}

		plans = append(plans, pending{startdir: sd, maintainer: maintainer, arches: filtered})
	}

	byArch := map[string][]pending{}
	var archOrder []string
	for _, p := range plans {
		for _, a := range p.arches {
			if _, ok := byArch[a]; !ok {
				archOrder = append(archOrder, a)
			}
			byArch[a] = append(byArch[a], p)
		}
	}

	jobs := make([]*model.Job, 0, len(archOrder))
	for _, arch := range archOrder {
		j := &model.Job{
			EventID: e.ID,
			Arch:    arch,
			Status:  model.NEW,
			Project: e.Project,
			Type:    e.Type,
			Target:  e.Target,
		}

		if err := storage.Submit(d.DBQueue, func(ctx context.Context, db *sql.DB) error {
			return d.Store.InsertJob(ctx, db, j)
		}); err != nil {
			return nil, fmt.Errorf("eventmodel: persisting job for arch %s: %w", arch, err)
		}

		for _, p := range byArch[arch] {
			startdir := p.startdir
			repo, pkg := splitStartdir(startdir)
			t := &model.Task{
				JobID:      j.ID,
				Repo:       repo,
				Pkg:        pkg,
				Maintainer: p.maintainer,
				Status:     model.NEW,
			}
			if err := storage.Submit(d.DBQueue, func(ctx context.Context, db *sql.DB) error {
				return d.Store.InsertTask(ctx, db, t)
			}); err != nil {
				return nil, fmt.Errorf("eventmodel: persisting task %s: %w", startdir, err)
			}
			j.Tasks = append(j.Tasks, t)
		}

		jobs = append(jobs, j)
	}

	return jobs, nil
}

func splitStartdir(startdir string) (repo, pkg string) {
	for i := 0; i < len(startdir); i++ {
		if startdir[i] == '/' {
			return startdir[:i], startdir[i+1:]
		}
	}
	return "", startdir
}
