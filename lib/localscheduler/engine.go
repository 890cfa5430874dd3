// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package localscheduler implements the local (per-node) scheduler: a
// single event-driven process that owns a node's worker subprocesses,
// matches submitted tasks to workers as arguments and resources
// become ready, and participates in cluster-wide reconstruction of
// objects lost to eviction or failure.
//
// Structurally this mirrors lib/dispatchcloud's dispatcher: one
// goroutine runs the control loop, and every external interaction —
// worker messages, metadata-store callbacks, object-store
// notifications — is funneled onto it as a queued closure rather than
// touched directly from the goroutine that produced it.
package localscheduler

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/ledger"
	"localscheduler/lib/localscheduler/metadata"
	"localscheduler/lib/localscheduler/objectstore"
	"localscheduler/lib/localscheduler/queue"
	"localscheduler/lib/localscheduler/reconstruct"
	"localscheduler/lib/localscheduler/taskspec"
	"localscheduler/lib/localscheduler/worker"
)

// Worker IPC message types exchanged over the socket Pool listens on,
// layered on top of the shared wire framing. REGISTER_WORKER's
// payload is an 8-byte big-endian pid followed by an optional actor
// id string; RECONSTRUCT's payload is a bare 32-byte object id.
// TASK_DONE's payload is ignored: the completed task is the one the
// sending worker is currently assigned.
const (
	registerPayloadPIDLen = 8
)

// Engine is the local scheduler's top-level process: it owns the
// Ledger, the Queue Manager, the Worker Pool, the Reconstruction
// Coordinator, and the clients for the two external collaborators
// (the metadata store and the object store).
type Engine struct {
	logger   logrus.FieldLogger
	cfg      Config
	registry *prometheus.Registry

	ledger *ledger.Ledger
	queue  *queue.Manager
	pool   *worker.Pool
	store  metadata.Store
	objs   *objectstore.Client
	coord  *reconstruct.Coordinator

	events chan func()

	mtx         sync.Mutex
	specs       map[taskspec.TaskID]taskspec.TaskSpec
	specsByRet  map[taskspec.ObjectID]taskspec.TaskSpec
	trackedStat map[taskspec.TaskID]taskspec.Status

	httpServer *http.Server

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New builds an Engine from cfg. It does not start listening or
// spawning workers; call Start for that.
func New(logger logrus.FieldLogger, cfg Config, registry *prometheus.Registry) *Engine {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	e := &Engine{
		logger:      logger,
		cfg:         cfg,
		registry:    registry,
		ledger:      ledger.New(cfg.StaticResources),
		events:      make(chan func(), 1024),
		specs:       make(map[taskspec.TaskID]taskspec.TaskSpec),
		specsByRet:  make(map[taskspec.ObjectID]taskspec.TaskSpec),
		trackedStat: make(map[taskspec.TaskID]taskspec.Status),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	return e
}

// deliver enqueues f to run on the engine's single control-loop
// goroutine. Every callback crossing from a producer goroutine
// (worker connections, metadata-store RPCs, the object-store reader)
// back into mutable engine state goes through this.
func (e *Engine) deliver(f func()) {
	select {
	case e.events <- f:
	case <-e.stop:
	}
}

// Start launches the engine: it connects to the metadata store and
// object store, starts the worker pool, and begins the control loop.
// Start is idempotent; only the first call has effect.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.setupOnce.Do(func() {
		err = e.setup(ctx)
		if err == nil {
			go e.run()
		}
	})
	return err
}

func (e *Engine) setup(ctx context.Context) error {
	store, serr := metadata.New(e.cfg.RedisAddress, e.logger, e.deliver)
	if serr != nil {
		return fmt.Errorf("engine: metadata store: %w", serr)
	}
	e.store = store

	e.queue = queue.New(e.logger, e.ledger, e)

	pool, werr := worker.NewPool(e.logger, e.registry, e.cfg.LocalSchedulerName, worker.Config{
		NumWorkers:    e.cfg.NumWorkers,
		WorkerCommand: e.cfg.WorkerCommand,
		TimeoutTERM:   e.cfg.TimeoutTERM,
		TimeoutSignal: e.cfg.TimeoutSignal,
	})
	if werr != nil {
		return fmt.Errorf("engine: worker pool: %w", werr)
	}
	e.pool = pool
	e.pool.OnMessage(func(c *worker.Client, msgType uint8, payload []byte) {
		e.deliver(func() { e.onWorkerMessage(c, msgType, payload) })
	})
	e.pool.OnDeath(func(c *worker.Client) {
		e.deliver(func() { e.onWorkerDeath(c) })
	})
	e.pool.OnAssign(func(workerID string, spec taskspec.TaskSpec) {
		e.deliver(func() { e.SetStatus(spec.ID, taskspec.StatusRunning) })
	})

	objs, oerr := objectstore.New(e.cfg.ObjectStoreName, e.logger, e.deliver,
		func(oid taskspec.ObjectID) { e.onObjectAdded(oid) },
		func(oid taskspec.ObjectID) { e.onObjectRemoved(oid) },
	)
	if oerr != nil {
		e.store.Close()
		return fmt.Errorf("engine: object store: %w", oerr)
	}
	e.objs = objs

	e.coord = reconstruct.New(e.logger, e.store, e.objs, e)

	if err := e.pool.Start(); err != nil {
		return fmt.Errorf("engine: starting worker pool: %w", err)
	}

	e.registerMetrics()
	e.startManagementServer()
	return nil
}

// run is the control loop: it owns every mutable structure reachable
// from the engine and processes queued closures one at a time, plus a
// periodic tick used to sweep worker-pool changes into dispatch
// attempts.
func (e *Engine) run() {
	defer close(e.stopped)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	poolChanged, unsub := e.pool.Subscribe()
	defer unsub()
	for {
		select {
		case <-e.stop:
			return
		case f := <-e.events:
			f()
		case <-poolChanged:
			e.queue.OnWorkerIdle(e.pool)
		case <-ticker.C:
			e.queue.TryDispatch(e.pool)
		}
	}
}

// Stop shuts the engine down: it closes the worker pool, the
// object-store connection, and the metadata-store connection, and
// waits for the control loop to exit.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
		return
	default:
		close(e.stop)
	}
	<-e.stopped
	if e.pool != nil {
		e.pool.Close()
	}
	if e.objs != nil {
		e.objs.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.httpServer != nil {
		e.httpServer.Close()
	}
}

// SubmitTask is the external entry point (called by the global
// scheduler or, in tests, directly) for handing this node a task to
// run. Safe to call from any goroutine.
func (e *Engine) SubmitTask(spec taskspec.TaskSpec) {
	e.deliver(func() { e.submitTask(spec) })
}

func (e *Engine) submitTask(spec taskspec.TaskSpec) {
	e.mtx.Lock()
	e.specs[spec.ID] = spec
	for _, oid := range taskspec.ReturnObjectIDs(spec) {
		e.specsByRet[oid] = spec
	}
	e.mtx.Unlock()
	e.queue.Submit(spec, e.pool)
	e.afterSubmit(spec)
}

// afterSubmit recursively reconstructs any argument spec is still
// missing after a submit or resubmit. This is what turns a single
// reconstruct() call at the tail of a dependency chain into a full
// cascade back to the chain's head: each resubmitted task that is
// itself missing an input asks for that input to be reconstructed
// too.
func (e *Engine) afterSubmit(spec taskspec.TaskSpec) {
	for _, oid := range e.queue.MissingArgs(spec.ID) {
		e.coord.Reconstruct(context.Background(), oid)
	}
}

// SetStatus implements queue.TaskTable: it persists the task's status
// to the metadata store, adding the record on first sight and
// CAS-updating thereafter.
func (e *Engine) SetStatus(id taskspec.TaskID, status taskspec.Status) {
	e.mtx.Lock()
	prev, known := e.trackedStat[id]
	e.trackedStat[id] = status
	spec := e.specs[id]
	e.mtx.Unlock()

	ctx := context.Background()
	if !known {
		e.store.TaskTableAdd(ctx, taskspec.Record{Spec: spec, Status: status, OwnerNode: e.cfg.NodeIPAddress}, func(err error) {
			if err != nil {
				e.logger.WithError(err).WithField("TaskID", id).Warn("task table add failed")
			}
		})
		return
	}
	e.store.TaskTableUpdate(ctx, id, prev, status, func(ok bool, err error) {
		if err != nil {
			if unspam("task table update failed") {
				e.logger.WithError(err).WithField("TaskID", id).Warn("task table update failed")
			}
			return
		}
		if !ok {
			e.logger.WithField("TaskID", id).Debug("task table CAS lost, another writer moved status first")
		}
	})
}

// Owns implements reconstruct.TaskOwner: this node owns a task if it
// currently holds a spec for it.
func (e *Engine) Owns(id taskspec.TaskID) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	_, ok := e.specs[id]
	return ok
}

// SpecForReturnedObject implements reconstruct.TaskOwner.
func (e *Engine) SpecForReturnedObject(oid taskspec.ObjectID) (taskspec.TaskSpec, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	spec, ok := e.specsByRet[oid]
	return spec, ok
}

// Resubmit implements reconstruct.TaskOwner: it re-enters the task
// into the queue manager exactly as a fresh submission would, since
// its return objects are (by construction) currently unavailable.
func (e *Engine) Resubmit(spec taskspec.TaskSpec) {
	e.mtx.Lock()
	delete(e.trackedStat, spec.ID)
	e.mtx.Unlock()
	e.queue.Submit(spec, e.pool)
	e.afterSubmit(spec)
}

func (e *Engine) onObjectAdded(oid taskspec.ObjectID) {
	e.queue.OnObjectAvailable(oid, e.pool)
	e.coord.NotifyDelivered(oid)
}

func (e *Engine) onObjectRemoved(oid taskspec.ObjectID) {
	e.queue.OnObjectRemoved(oid)
	e.coord.Reconstruct(context.Background(), oid)
}

// onWorkerMessage dispatches a single framed message received from a
// worker connection. It always runs on the control-loop goroutine.
func (e *Engine) onWorkerMessage(c *worker.Client, msgType uint8, payload []byte) {
	switch msgType {
	case worker.MsgRegisterWorker:
		e.handleRegisterWorker(c, payload)
	case worker.MsgTaskDone:
		e.handleTaskDone(c, payload)
	case worker.MsgReconstruct:
		e.handleReconstructRequest(payload)
	case worker.MsgGetTask:
		e.pool.MarkWorkerIdle(c)
	case worker.MsgSubmitTask:
		e.handleSubmitTask(c, payload)
	case worker.MsgNotifyUnblocked:
		e.handleNotifyUnblocked(c)
	case worker.MsgDisconnect:
		e.handleWorkerDisconnect(c)
	default:
		e.logger.WithField("MessageType", msgType).Warn("unhandled worker message")
	}
}

// handleSubmitTask accepts a task spec an actor worker spawned on its
// own initiative (as opposed to one the global scheduler routed to
// this node), feeding it into the same submission path as SubmitTask.
func (e *Engine) handleSubmitTask(c *worker.Client, payload []byte) {
	spec, err := worker.DecodeTaskSpec(payload)
	if err != nil {
		e.logger.WithError(err).WithField("WorkerID", c.ID).Warn("SUBMIT_TASK: malformed task spec")
		return
	}
	e.submitTask(spec)
}

// handleNotifyUnblocked is a worker's hint that a condition it was
// waiting on (outside the GET_TASK protocol) has cleared, so the
// dispatch loop should be swept again now rather than waiting for the
// next tick.
func (e *Engine) handleNotifyUnblocked(c *worker.Client) {
	_ = c
	e.queue.TryDispatch(e.pool)
}

// handleWorkerDisconnect is a worker's voluntary announcement that it
// is about to close its connection, as opposed to a crash. The
// resulting close still runs through Pool's normal death handling
// (onWorkerDeath), so a task in progress is still credited and marked
// LOST rather than silently dropped.
func (e *Engine) handleWorkerDisconnect(c *worker.Client) {
	e.logger.WithField("WorkerID", c.ID).Info("worker requested disconnect")
	e.pool.Kill(c, worker.Graceful, "worker requested disconnect")
}

func (e *Engine) handleRegisterWorker(c *worker.Client, payload []byte) {
	if len(payload) < registerPayloadPIDLen {
		e.logger.Warn("REGISTER_WORKER payload too short")
		return
	}
	pid := int(binary.BigEndian.Uint64(payload[:registerPayloadPIDLen]))
	actor := taskspec.ActorID(payload[registerPayloadPIDLen:])
	e.pool.HandleRegister(c, pid, actor)
	e.pool.MarkWorkerIdle(c)
}

func (e *Engine) handleTaskDone(c *worker.Client, payload []byte) {
	id, ok := c.CurrentTask()
	if !ok {
		e.logger.WithField("WorkerID", c.ID).Warn("TASK_DONE from a worker with no current task")
		e.pool.MarkWorkerIdle(c)
		return
	}
	e.ledger.Credit(e.specResources(id))
	e.queue.MarkAssignmentCleared(id)
	e.SetStatus(id, taskspec.StatusDone)
	e.coord.NotifyTaskComplete(taskspec.ReturnObjectIDs(e.specFor(id)))
	e.queue.Forget(id)
	e.pool.MarkWorkerIdle(c)
	_ = payload
}

// onWorkerDeath handles a worker's connection being lost, whether
// from a clean Kill or a crash. If the worker was running a task, its
// resources are re-credited to the ledger, its status is set to LOST,
// and it is resubmitted so the queue manager can schedule it on
// another worker — satisfying "free the worker, re-credit its task's
// resources, mark its in-progress task LOST."
func (e *Engine) onWorkerDeath(c *worker.Client) {
	id, ok := c.CurrentTask()
	if !ok {
		return
	}
	spec := e.specFor(id)
	e.ledger.Credit(spec.Resources)
	e.SetStatus(id, taskspec.StatusLost)
	e.queue.Forget(id)
	e.Resubmit(spec)
}

func (e *Engine) handleReconstructRequest(payload []byte) {
	var oid taskspec.ObjectID
	copy(oid[:], payload)
	e.coord.Reconstruct(context.Background(), oid)
}

func (e *Engine) specFor(id taskspec.TaskID) taskspec.TaskSpec {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.specs[id]
}

func (e *Engine) specResources(id taskspec.TaskID) taskspec.ResourceVector {
	return e.specFor(id).Resources
}

// registerMetrics wires the ledger's and queue's point-in-time state
// into the engine's own gauges, mirroring the per-subsystem
// registerMetrics calls in lib/dispatchcloud/scheduler and
// lib/dispatchcloud/worker.
func (e *Engine) registerMetrics() {
	waiting := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "queue", Name: "waiting_length",
		Help: "Number of tasks blocked on missing arguments.",
	}, func() float64 { return float64(e.queue.WaitingLen()) })
	dispatch := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "queue", Name: "dispatch_length",
		Help: "Number of tasks ready to run but not yet assigned a worker.",
	}, func() float64 { return float64(e.queue.DispatchLen()) })
	cpuAvail := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "ledger", Name: "cpu_available",
		Help: "Scalar CPU units not currently debited.",
	}, func() float64 { return float64(e.ledger.Available().CPU) })
	gpuAvail := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "ledger", Name: "gpu_available",
		Help: "Scalar GPU units not currently debited.",
	}, func() float64 { return float64(e.ledger.Available().GPU) })
	e.registry.MustRegister(waiting, dispatch, cpuAvail, gpuAvail)
}

// startManagementServer starts the engine's management HTTP API
// (metrics and a health check), routed with httprouter exactly as
// lib/dispatchcloud's dispatcher routes /metrics and /_health/:check.
func (e *Engine) startManagementServer() {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	router.GET("/_health/ping", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"health":"OK"}`)
	})

	ln, err := net.Listen("tcp", e.cfg.ManagementAddr)
	if err != nil {
		e.logger.WithError(err).Warn("management API not listening")
		return
	}
	e.httpServer = &http.Server{Handler: router}
	go func() {
		if err := e.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.WithError(err).Warn("management API server exited")
		}
	}()
}
