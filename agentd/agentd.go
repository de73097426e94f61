// Package agentd implements the agent side of the dispatch plane
// (spec.md §4.8, §5): subscribing to NEW/CANCEL jobs addressed to this
// builder, accepting or rejecting them against the advertised arch
// set, running accepted jobs on a bounded worker pool, and publishing
// retained Builder state transitions.
package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apkfoundry/af/broker"
	"github.com/apkfoundry/af/logger"
	"github.com/apkfoundry/af/model"
	"github.com/apkfoundry/af/pool"
)

var (
	jobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "af_agent_jobs_claimed_total",
		Help: "Jobs accepted by this agent.",
	})
	jobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "af_agent_jobs_rejected_total",
		Help: "Jobs rejected by this agent.",
	})
	tasksSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "af_agent_tasks_succeeded_total",
		Help: "Jobs whose run completed without error.",
	})
	tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "af_agent_tasks_failed_total",
		Help: "Jobs whose run returned an error.",
	})
)

func init() {
	prometheus.MustRegister(jobsClaimed, jobsRejected, tasksSucceeded, tasksFailed)
}

// JobRunner executes one accepted job end to end (container setup,
// dependency ordering, per-task builds) and reports the resulting
// per-task status. Implemented by the cmd/af-agent binary, which
// wires together sandbox, depgraph, scheduler, and taskrunner.
type JobRunner interface {
	RunJob(ctx context.Context, job *model.Job) error
}

// Agent tracks this builder's identity and drives the claim/reject/
// run lifecycle for jobs addressed to it.
type Agent struct {
	mu      sync.Mutex
	builder model.Builder
	cancels map[int64]context.CancelFunc

	name   string
	broker *broker.Client
	pool   *pool.Pool
	runner JobRunner
	log    logger.Logger
}

// New returns an Agent advertising name with the given supported
// arches, all initially idle.
func New(name string, arches []string, concurrency int, b *broker.Client, runner JobRunner, log logger.Logger) *Agent {
	builder := model.Builder{Name: name, Arches: map[string]*model.Arch{}}
	for _, a := range arches {
		builder.Arches[a] = &model.Arch{Idle: true}
	}

	return &Agent{
		builder: builder,
		cancels: map[int64]context.CancelFunc{},
		name:    name,
		broker:  b,
		pool:    pool.New(concurrency),
		runner:  runner,
		log:     log,
	}
}

// LastWill computes the retained Builder message the broker should
// publish on our behalf if we disconnect without a clean shutdown:
// every arch marked offline, per spec.md §4.8's "Last-will" paragraph.
func (a *Agent) LastWill() broker.LastWill {
	a.mu.Lock()
	offline := a.builder
	offline.Arches = map[string]*model.Arch{}
	for arch := range a.builder.Arches {
		offline.Arches[arch] = &model.Arch{}
	}
	offline.SetOffline()
	a.mu.Unlock()

	payload, _ := json.Marshal(&offline)
	return broker.LastWill{Topic: offline.Topic(), Payload: payload, QoS: 1, Retain: true}
}

// SetBroker attaches the broker client once connected. Callers
// construct an Agent first (to compute its LastWill for the connect
// call), then wire the resulting Client back in before Subscribe or
// Announce.
func (a *Agent) SetBroker(b *broker.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.broker = b
}

// Announce publishes our current (idle) state so the dispatcher can
// start assigning us work.
func (a *Agent) Announce() error {
	return a.publishBuilder()
}

// Subscribe registers the NEW/CANCEL handlers required by spec.md
// §6.3: "jobs/NEW/.../<self>/+/+" and "jobs/CANCEL/.../<self>/+/+".
func (a *Agent) Subscribe() error {
	newFilter := fmt.Sprintf("jobs/NEW/+/+/+/+/%s/+/+", a.name)
	cancelFilter := fmt.Sprintf("jobs/CANCEL/+/+/+/+/%s/+/+", a.name)

	if err := a.broker.Subscribe(newFilter, 2, a.onNew); err != nil {
		return err
	}
	return a.broker.Subscribe(cancelFilter, 2, a.onCancel)
}

func (a *Agent) onNew(_ string, payload []byte) {
	var j model.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		a.log.Warn("[agentd] malformed job message: %v", err)
		return
	}

	if !a.available(j.Arch) {
		a.reject(&j, "unsupported or busy arch")
		return
	}

	a.markBusy(j.Arch, j.ID)
	jobsClaimed.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancels[j.ID] = cancel
	a.mu.Unlock()

	a.pool.Spawn(func() {
		defer func() {
			a.mu.Lock()
			delete(a.cancels, j.ID)
			a.mu.Unlock()
			a.markIdle(j.Arch, j.ID)
		}()

		if err := a.runner.RunJob(ctx, &j); err != nil {
			a.log.Error("[agentd] job %d failed: %v", j.ID, err)
			tasksFailed.Inc()
			return
		}
		tasksSucceeded.Inc()
	})
}

// onCancel implements cooperative, best-effort cancellation: a
// CANCEL-status Job for an in-flight job id cancels that job's
// context, which the scheduler and taskrunner observe at their next
// boundary check. There is no mid-task preemption (spec.md §9 Open
// Questions).
func (a *Agent) onCancel(_ string, payload []byte) {
	var j model.Job
	if err := json.Unmarshal(payload, &j); err != nil {
		a.log.Warn("[agentd] malformed cancel message: %v", err)
		return
	}

	a.mu.Lock()
	cancel, ok := a.cancels[j.ID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Agent) available(arch string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.builder.Available(arch)
}

func (a *Agent) reject(j *model.Job, reason string) {
	jobsRejected.Inc()
	a.log.Warn("[agentd] rejecting job %d (%s): %s", j.ID, j.Arch, reason)

	rejected := *j
	rejected.Status = model.REJECT
	payload, err := json.Marshal(&rejected)
	if err != nil {
		a.log.Error("[agentd] marshaling rejection for job %d: %v", j.ID, err)
		return
	}
	if err := a.broker.Publish(rejected.Topic(), 2, false, payload); err != nil {
		a.log.Error("[agentd] publishing rejection for job %d: %v", j.ID, err)
	}
}

// markBusy transitions arch to BUSY before starting the job, and
// publishes the updated retained Builder message, per spec.md §4.8
// ("before starting, transition the arch to BUSY and publish an
// updated Builder message").
func (a *Agent) markBusy(arch string, jobID int64) {
	a.mu.Lock()
	if ar, ok := a.builder.Arches[arch]; ok {
		ar.Idle = false
		ar.CurrentJobs = append(ar.CurrentJobs, jobID)
	}
	a.mu.Unlock()

	if err := a.publishBuilder(); err != nil {
		a.log.Error("[agentd] publishing busy state: %v", err)
	}
}

func (a *Agent) markIdle(arch string, jobID int64) {
	a.mu.Lock()
	if ar, ok := a.builder.Arches[arch]; ok {
		ar.CurrentJobs = removeID(ar.CurrentJobs, jobID)
		ar.PreviousJob = jobID
		ar.Idle = len(ar.CurrentJobs) == 0
	}
	a.mu.Unlock()

	if err := a.publishBuilder(); err != nil {
		a.log.Error("[agentd] publishing idle state: %v", err)
	}
}

func (a *Agent) publishBuilder() error {
	a.mu.Lock()
	snapshot := a.builder
	a.mu.Unlock()

	payload, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("agentd: marshaling builder state: %w", err)
	}
	return a.broker.Publish(snapshot.Topic(), 1, true, payload)
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
