package storage_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/queue"
	"github.com/apkfoundry/af/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "af.db")
	store, err := storage.Open(path, logger.NewBuffer())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertEventAssignsID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := &model.Event{Project: "example", Type: model.PUSH, Target: "main", Status: model.NEW}
	if err := store.InsertEvent(ctx, store.DB(), e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("expected a non-zero assigned event id")
	}
}

func TestJobAndTaskLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	e := &model.Event{Project: "example", Type: model.PUSH, Target: "main", Status: model.NEW}
	if err := store.InsertEvent(ctx, db, e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	j := &model.Job{EventID: e.ID, Arch: "x86_64", Status: model.NEW}
	if err := store.InsertJob(ctx, db, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	task := &model.Task{JobID: j.ID, Repo: "main", Pkg: "busybox", Status: model.NEW}
	if err := store.InsertTask(ctx, db, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	if err := store.UpdateJobStatus(ctx, db, j.ID, model.START, "a01", true); err != nil {
		t.Fatalf("UpdateJobStatus (keep builder): %v", err)
	}
	if err := store.UpdateJobStatus(ctx, db, j.ID, model.REJECT, "", false); err != nil {
		t.Fatalf("UpdateJobStatus (clear builder): %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, db, task.ID, model.SUCCESS, "built ok"); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	found, err := store.SearchTasks(ctx, model.DONE, j.ID)
	if err != nil {
		t.Fatalf("SearchTasks: %v", err)
	}
	if len(found) != 1 || found[0].ID != task.ID {
		t.Fatalf("SearchTasks(DONE) = %+v, want one task with id %d", found, task.ID)
	}

	notFound, err := store.SearchTasks(ctx, model.FAIL, j.ID)
	if err != nil {
		t.Fatalf("SearchTasks: %v", err)
	}
	if len(notFound) != 0 {
		t.Fatalf("SearchTasks(FAIL) = %+v, want none", notFound)
	}
}

func TestUpsertBuilderInsertsThenUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	b := &model.Builder{Name: "a01", Arches: map[string]*model.Arch{"x86_64": {Idle: true}}}
	if err := store.UpsertBuilder(ctx, db, b); err != nil {
		t.Fatalf("UpsertBuilder (insert): %v", err)
	}

	b.SetOffline()
	if err := store.UpsertBuilder(ctx, db, b); err != nil {
		t.Fatalf("UpsertBuilder (update): %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM builders WHERE name = ?`, "a01").Scan(&count); err != nil {
		t.Fatalf("counting builders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one builder row after upsert, got %d", count)
	}

	var offline int
	if err := db.QueryRow(`SELECT offline FROM builders WHERE name = ?`, "a01").Scan(&offline); err != nil {
		t.Fatalf("reading offline column: %v", err)
	}
	if offline != 1 {
		t.Fatal("expected offline column to reflect SetOffline")
	}
}

func TestRunWriterDrainsQueueAndSignalsDone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	q := queue.New[*storage.Write]()
	go store.RunWriter(ctx, q)

	e := &model.Event{Project: "example", Type: model.PUSH, Target: "main", Status: model.NEW}
	err := storage.Submit(q, func(ctx context.Context, db *sql.DB) error {
		return store.InsertEvent(ctx, db, e)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("expected Submit to block until the insert assigned an id")
	}

	q.Shutdown()
}
