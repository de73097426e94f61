// Package storage implements the SQL persistence layer (spec.md §4.1
// table row, §7): Event/Job/Task/Builder tables, status mutation, and
// search. Per spec.md §5 ("Locking"), the store is touched from a
// single thread only; RunWriter drains a queue.Queue[*Write] on that
// thread while every other package reaches the store only by
// constructing a *Write and handing it to the queue.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"

	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/queue"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the sole writer of the SQL store for one process.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending schema migrations.
func Open(path string, log logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	// A single writer thread touches this handle; one connection avoids
	// SQLITE_BUSY entirely rather than retrying around it.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, path); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, log: log}, nil
}

func migrateUp(db *sql.DB, path string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("storage: loading embedded migrations: %w", err)
	}

	target, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("storage: preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return fmt.Errorf("storage: initializing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write is one unit of work for the single DB writer thread: Exec runs
// against the open *sql.DB, and Done (if non-nil) receives exactly one
// error (nil on success) so a caller can optionally wait for its
// effect to land.
type Write struct {
	Exec func(ctx context.Context, db *sql.DB) error
	Done chan error
}

// RunWriter drains q on the calling goroutine until it closes,
// executing each Write in turn. Per spec.md §7 ("DB constraint/IO
// errors: logged at exception level; the offending job is not
// materialized; the DB thread continues"), a failing Write is logged
// and does not stop the loop.
func (s *Store) RunWriter(ctx context.Context, q *queue.Queue[*Write]) {
	for {
		w, err := q.Get()
		if errors.Is(err, queue.ErrClosed) {
			return
		}

		werr := w.Exec(ctx, s.db)
		if werr != nil {
			s.log.Error("[storage] write failed: %v", werr)
		}
		if w.Done != nil {
			w.Done <- werr
		}
	}
}

// Submit enqueues a Write and blocks until it completes, returning its
// error. A convenience for callers (like eventmodel) that need the
// assigned row id before continuing.
func Submit(q *queue.Queue[*Write], exec func(ctx context.Context, db *sql.DB) error) error {
	done := make(chan error, 1)
	if err := q.Put(&Write{Exec: exec, Done: done}); err != nil {
		return err
	}
	return <-done
}

// InsertEvent inserts e and sets e.ID to the assigned id.
// Callers run this via Submit from outside the writer goroutine.
func (s *Store) InsertEvent(ctx context.Context, db *sql.DB, e *model.Event) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO events (project, type, clone_url, target, revision, user, reason, mrid, mrclone, mrbranch, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Project, string(e.Type), e.CloneURL, e.Target, e.Revision, e.User, e.Reason,
		e.MRID, e.MRClone, e.MRBranch, int(e.Status))
	if err != nil {
		return fmt.Errorf("storage: inserting event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: reading event id: %w", err)
	}
	e.ID = id
	return nil
}

// InsertJob inserts j (with j.EventID already set) and sets j.ID.
func (s *Store) InsertJob(ctx context.Context, db *sql.DB, j *model.Job) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO jobs (event_id, builder, arch, status) VALUES (?, ?, ?, ?)`,
		j.EventID, j.Builder, j.Arch, int(j.Status))
	if err != nil {
		return fmt.Errorf("storage: inserting job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: reading job id: %w", err)
	}
	j.ID = id
	return nil
}

// InsertTask inserts t (with t.JobID already set) and sets t.ID.
func (s *Store) InsertTask(ctx context.Context, db *sql.DB, t *model.Task) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO tasks (job_id, repo, pkg, maintainer, status, message) VALUES (?, ?, ?, ?, ?, ?)`,
		t.JobID, t.Repo, t.Pkg, t.Maintainer, int(t.Status), t.Message)
	if err != nil {
		return fmt.Errorf("storage: inserting task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: reading task id: %w", err)
	}
	t.ID = id
	return nil
}

// UpdateEventStatus mutates an event's status column.
func (s *Store) UpdateEventStatus(ctx context.Context, db *sql.DB, id int64, status model.Status) error {
	_, err := db.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		int(status), id)
	if err != nil {
		return fmt.Errorf("storage: updating event %d status: %w", id, err)
	}
	return nil
}

// UpdateJobStatus mutates a job's status column, and optionally its
// builder assignment: with keepBuilder=false the builder column is set
// to builder (pass "" to clear it, as happens on REJECT).
func (s *Store) UpdateJobStatus(ctx context.Context, db *sql.DB, id int64, status model.Status, builder string, keepBuilder bool) error {
	if keepBuilder {
		_, err := db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
			int(status), id)
		if err != nil {
			return fmt.Errorf("storage: updating job %d status: %w", id, err)
		}
		return nil
	}

	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, builder = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		int(status), builder, id)
	if err != nil {
		return fmt.Errorf("storage: updating job %d status/builder: %w", id, err)
	}
	return nil
}

// UpdateTaskStatus mutates a task's status and tail message.
func (s *Store) UpdateTaskStatus(ctx context.Context, db *sql.DB, id int64, status model.Status, message string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, message = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		int(status), message, id)
	if err != nil {
		return fmt.Errorf("storage: updating task %d status: %w", id, err)
	}
	return nil
}

// UpsertBuilder inserts or replaces a builder's retained state.
func (s *Store) UpsertBuilder(ctx context.Context, db *sql.DB, b *model.Builder) error {
	arches, err := json.Marshal(b.Arches)
	if err != nil {
		return fmt.Errorf("storage: marshaling builder arches: %w", err)
	}

	offline := 0
	if b.Offline {
		offline = 1
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO builders (name, arches, offline, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(name) DO UPDATE SET arches = excluded.arches, offline = excluded.offline, updated_at = excluded.updated_at`,
		b.Name, string(arches), offline)
	if err != nil {
		return fmt.Errorf("storage: upserting builder %s: %w", b.Name, err)
	}
	return nil
}

// SearchTasks returns tasks whose status satisfies the prefix-subset
// query status&mask==mask (see model.Status.Has), optionally narrowed
// to one job.
func (s *Store) SearchTasks(ctx context.Context, mask model.Status, jobID int64) ([]*model.Task, error) {
	query := `SELECT id, job_id, repo, pkg, maintainer, status, message FROM tasks WHERE (status & ?) = ?`
	args := []any{int(mask), int(mask)}
	if jobID != 0 {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: searching tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t := &model.Task{}
		var status int
		if err := rows.Scan(&t.ID, &t.JobID, &t.Repo, &t.Pkg, &t.Maintainer, &status, &t.Message); err != nil {
			return nil, fmt.Errorf("storage: scanning task: %w", err)
		}
		t.Status = model.Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for read-only queries that don't
// need to go through the writer queue (search endpoints, status
// pages).
func (s *Store) DB() *sql.DB {
	return s.db
}
