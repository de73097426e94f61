// Package dispatch implements the dispatcher side of the dispatch
// plane (spec.md §4.8): a per-arch FIFO of pending jobs, a claim rule
// fired on enqueue and on idle-builder transitions, REJECT/START
// handling, and tick suppression to avoid a hot re-dispatch loop.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apkfoundry/af/broker"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/queue"
	"github.com/apkfoundry/af/storage"
)

var queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "af_dispatch_queue_depth",
	Help: "Number of pending jobs queued per architecture.",
}, []string{"arch"})

func init() {
	prometheus.MustRegister(queueDepth)
}

// Dispatcher holds the per-arch pending-job FIFOs and idle-builder
// sets, and drives the claim rule over a broker.Client.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string][]*model.Job      // arch -> FIFO, head at index 0
	idle     map[string]map[string]bool // arch -> idle builder names
	builders map[string]*model.Builder  // name -> last known state

	// lastHandled suppresses an immediate re-publish of the job id this
	// dispatcher just processed within the same message-handling call
	// (spec.md §4.8 "Tick suppression"): a just-rejected job sitting at
	// the head of the queue must not be republished before the
	// triggering callback returns.
	lastHandled map[string]int64 // arch -> job id

	broker *broker.Client
	store  *storage.Store
	dbq    *queue.Queue[*storage.Write]
	log    logger.Logger
}

// New returns an empty Dispatcher.
func New(b *broker.Client, store *storage.Store, dbq *queue.Queue[*storage.Write], log logger.Logger) *Dispatcher {
	return &Dispatcher{
		pending:     map[string][]*model.Job{},
		idle:        map[string]map[string]bool{},
		builders:    map[string]*model.Builder{},
		lastHandled: map[string]int64{},
		broker:      b,
		store:       store,
		dbq:         dbq,
		log:         log,
	}
}

// Subscribe registers the dispatcher's handlers on builders/# and
// jobs/#. tasks/# is not subscribed.
func (d *Dispatcher) Subscribe() error {
	if err := d.broker.Subscribe("builders/#", 1, d.onBuilder); err != nil {
		return err
	}
	if err := d.broker.Subscribe("jobs/#", 2, d.onJob); err != nil {
		return err
	}
	return nil
}

// Enqueue appends j to its arch's FIFO, then runs the claim rule for
// that arch. It does not write j to the store.
func (d *Dispatcher) Enqueue(ctx context.Context, j *model.Job) {
	d.mu.Lock()
	d.pending[j.Arch] = append(d.pending[j.Arch], j)
	queueDepth.WithLabelValues(j.Arch).Set(float64(len(d.pending[j.Arch])))
	d.mu.Unlock()

	d.tick(ctx, j.Arch)
}

// onBuilder handles a retained Builder message: updates the idle set
// for every arch it advertises, then runs the claim rule for each arch
// that transitioned to idle.
func (d *Dispatcher) onBuilder(topic string, payload []byte) {
	var b model.Builder
	if err := json.Unmarshal(payload, &b); err != nil {
		d.log.Warn("[dispatch] malformed builder message on %s: %v", topic, err)
		return
	}

	ctx := context.Background()

	d.mu.Lock()
	d.builders[b.Name] = &b
	var becameIdle []string
	for arch, a := range b.Arches {
		if d.idle[arch] == nil {
			d.idle[arch] = map[string]bool{}
		}
		wasIdle := d.idle[arch][b.Name]
		isIdle := a.Idle && !b.Offline
		if isIdle {
			d.idle[arch][b.Name] = true
			if !wasIdle {
				becameIdle = append(becameIdle, arch)
			}
		} else {
			delete(d.idle[arch], b.Name)
		}
	}
	d.mu.Unlock()

	storage.Submit(d.dbq, func(ctx context.Context, db *sql.DB) error {
		return d.store.UpsertBuilder(ctx, db, &b)
	})

	for _, arch := range becameIdle {
		d.tick(ctx, arch)
	}
}

// onJob handles a Job message published by an agent: REJECT clears
// the head job's builder assignment for retry on the next tick; START
// dequeues the head.
func (d *Dispatcher) onJob(topic string, payload []byte) {
	var j model.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		d.log.Warn("[dispatch] malformed job message on %s: %v", topic, err)
		return
	}

	// The suppression lasts only for this message-handling call.
	defer func() {
		d.mu.Lock()
		delete(d.lastHandled, j.Arch)
		d.mu.Unlock()
	}()

	ctx := context.Background()

	switch {
	case j.Status == model.REJECT:
		d.handleReject(ctx, &j)
	case j.Status.Has(model.START):
		d.handleStart(ctx, &j)
	}
}

func (d *Dispatcher) handleReject(ctx context.Context, j *model.Job) {
	d.mu.Lock()
	head := d.headLocked(j.Arch)
	if head == nil || head.ID != j.ID {
		d.mu.Unlock()
		return
	}
	head.Builder = ""
	head.Status = model.NEW
	d.lastHandled[j.Arch] = j.ID
	d.mu.Unlock()

	storage.Submit(d.dbq, func(ctx context.Context, db *sql.DB) error {
		return d.store.UpdateJobStatus(ctx, db, j.ID, model.NEW, "", false)
	})

	d.tick(ctx, j.Arch)
}

func (d *Dispatcher) handleStart(ctx context.Context, j *model.Job) {
	d.mu.Lock()
	head := d.headLocked(j.Arch)
	if head == nil || head.ID != j.ID {
		d.mu.Unlock()
		return
	}
	d.pending[j.Arch] = d.pending[j.Arch][1:]
	queueDepth.WithLabelValues(j.Arch).Set(float64(len(d.pending[j.Arch])))
	d.lastHandled[j.Arch] = j.ID
	d.mu.Unlock()

	storage.Submit(d.dbq, func(ctx context.Context, db *sql.DB) error {
		return d.store.UpdateJobStatus(ctx, db, j.ID, model.START, j.Builder, true)
	})
}

func (d *Dispatcher) headLocked(arch string) *model.Job {
	q := d.pending[arch]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// tick runs the claim rule for one arch: if the FIFO is non-empty and
// there is at least one idle builder, assign the head job to an
// arbitrary idle builder and publish it.
func (d *Dispatcher) tick(ctx context.Context, arch string) {
	d.mu.Lock()
	head := d.headLocked(arch)
	if head == nil {
		d.mu.Unlock()
		return
	}
	if head.ID == d.lastHandled[arch] {
		// Suppress re-dispatching the job we just processed within this
		// same handling call; a just-rejected head must wait for the
		// next external trigger.
		d.mu.Unlock()
		return
	}

	var builder string
	for name := range d.idle[arch] {
		builder = name
		break
	}
	if builder == "" {
		d.mu.Unlock()
		return
	}

	delete(d.idle[arch], builder)
	head.Builder = builder
	head.Status = model.NEW
	topic := head.Topic()
	d.mu.Unlock()

	payload, err := json.Marshal(head)
	if err != nil {
		d.log.Error("[dispatch] marshaling job %d: %v", head.ID, err)
		return
	}

	if err := d.broker.Publish(topic, 2, false, payload); err != nil {
		d.log.Error("[dispatch] publishing job %d to %s: %v", head.ID, builder, err)
		return
	}

	storage.Submit(d.dbq, func(ctx context.Context, db *sql.DB) error {
		return d.store.UpdateJobStatus(ctx, db, head.ID, model.NEW, builder, false)
	})

	d.log.Info("[dispatch] assigned job %d (%s) to %s", head.ID, arch, builder)
}
