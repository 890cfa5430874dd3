// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/taskspec"
	"localscheduler/lib/localscheduler/wire"
)

// Message types for the worker IPC socket, per the engine's
// length-prefixed framing.
const (
	MsgRegisterWorker  uint8 = 1
	MsgSubmitTask      uint8 = 2
	MsgGetTask         uint8 = 3
	MsgTaskDone        uint8 = 4
	MsgReconstruct     uint8 = 5
	MsgNotifyUnblocked uint8 = 6
	MsgDisconnect      uint8 = 7
	MsgExecuteTask     uint8 = 8
	MsgTerminate       uint8 = 9
)

// Pool spawns a configured number of worker subprocesses, accepts
// their inbound connections on a single listening socket, and tracks
// each one's lifecycle through to registration, task assignment, and
// death — mirroring the Subscribe/notify and metrics-registration
// shape of the Arvados worker pool, but against local subprocesses
// rather than cloud instances.
type Pool struct {
	logger      logrus.FieldLogger
	listener    net.Listener
	workerCmd   []string // template; %socket% replaced with the listening socket path
	targetCount int

	mtx sync.Mutex
	// spawned holds the PIDs of processes we've started but that
	// have not yet sent REGISTER_WORKER. registered holds every
	// connected Client, added at accept time (before
	// REGISTER_WORKER); REGISTER_WORKER removes the PID from spawned,
	// and death or Kill removes the Client from registered.
	spawned       map[int]*os.Process
	registered    map[string]*Client
	killers       map[int]*procKiller
	idleSeq       int64
	spawnThrottle throttle

	subs      map[int]chan struct{}
	nextSubID int
	onMessage func(c *Client, msgType uint8, payload []byte)
	onDeath   func(c *Client)
	onAssign  func(workerID string, spec taskspec.TaskSpec)

	timeoutTERM   time.Duration
	timeoutSignal time.Duration

	mWorkersSpawned    prometheus.Gauge
	mWorkersRegistered prometheus.Gauge
	mWorkersIdle       prometheus.Gauge
	mWorkersBusy       prometheus.Gauge
}

// Config bundles the pool's startup parameters, directly from the
// engine's configuration table.
type Config struct {
	NumWorkers    int
	WorkerCommand []string
	TimeoutTERM   time.Duration
	TimeoutSignal time.Duration
}

// NewPool creates a Pool listening on listenAddr (a unix socket
// path). It does not spawn workers; call Start for that.
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, listenAddr string, cfg Config) (*Pool, error) {
	ln, err := net.Listen("unix", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("worker: listen on %s: %w", listenAddr, err)
	}
	p := &Pool{
		logger:        logger,
		listener:      ln,
		workerCmd:     cfg.WorkerCommand,
		targetCount:   cfg.NumWorkers,
		spawned:       make(map[int]*os.Process),
		registered:    make(map[string]*Client),
		killers:       make(map[int]*procKiller),
		subs:          make(map[int]chan struct{}),
		timeoutTERM:   cfg.TimeoutTERM,
		timeoutSignal: cfg.TimeoutSignal,
	}
	p.registerMetrics(reg)
	return p, nil
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	p.mWorkersSpawned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "workers", Name: "spawned",
		Help: "Number of worker processes started but not yet registered.",
	})
	p.mWorkersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "workers", Name: "registered",
		Help: "Number of registered worker connections.",
	})
	p.mWorkersIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "workers", Name: "idle",
		Help: "Number of idle registered workers.",
	})
	p.mWorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "localscheduler", Subsystem: "workers", Name: "busy",
		Help: "Number of busy registered workers.",
	})
	reg.MustRegister(p.mWorkersSpawned, p.mWorkersRegistered, p.mWorkersIdle, p.mWorkersBusy)
}

// Start spawns the pool's configured number of workers and begins
// accepting connections in a background goroutine.
func (p *Pool) Start() error {
	go p.acceptLoop()
	for i := 0; i < p.targetCount; i++ {
		if err := p.spawnOne(); err != nil {
			return err
		}
	}
	return nil
}

// spawnFailureBackoff is the holdoff applied between respawn attempts
// once a worker command has failed to start, so a command that cannot
// exec does not crash-respawn in a tight loop.
const spawnFailureBackoff = 5 * time.Second

func (p *Pool) spawnOne() error {
	if err := p.spawnThrottle.Error(); err != nil {
		return err
	}
	cmd := substituteSocketPath(p.workerCmd, p.listener.Addr().String())
	proc, pid, err := spawnWorker(cmd)
	if err != nil {
		p.spawnThrottle.CheckSpawnError(err, p.logger, spawnFailureBackoff, func() {
			if err := p.spawnOne(); err != nil {
				p.logger.WithError(err).Debug("worker respawn still failing after backoff")
			}
		})
		return err
	}
	p.mtx.Lock()
	p.spawned[pid] = proc
	p.mtx.Unlock()
	p.updateMetrics()
	p.logger.WithField("PID", pid).Info("spawned worker")
	return nil
}

func substituteSocketPath(template []string, socketPath string) []string {
	out := make([]string, len(template))
	for i, t := range template {
		out[i] = strings.ReplaceAll(t, "%socket%", socketPath)
	}
	return out
}

func (p *Pool) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.logger.WithError(err).Debug("listener closed")
			return
		}
		id := uuid.New().String()
		c := newClient(id, conn)
		p.mtx.Lock()
		p.registered[id] = c
		p.mtx.Unlock()
		go p.serve(c)
	}
}

// serve reads framed messages from a single worker connection until
// it disconnects, dispatching each onto onMessage. This function does
// not itself mutate engine state; it hands every parsed message to
// the engine's event channel via onMessage so all mutation happens on
// one goroutine.
func (p *Pool) serve(c *Client) {
	defer p.handleDeath(c)
	r := bufio.NewReader(c.conn)
	for {
		msgType, payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		if p.onMessage == nil {
			continue
		}
		p.onMessage(c, msgType, payload)
	}
}

// OnMessage installs the handler invoked (off the event-loop
// goroutine; the handler is responsible for re-entering via the
// engine's deliver func) for every framed message received from any
// worker.
func (p *Pool) OnMessage(fn func(c *Client, msgType uint8, payload []byte)) {
	p.onMessage = fn
}

// OnDeath installs the handler invoked (off the event-loop goroutine;
// the handler is responsible for re-entering via the engine's deliver
// func) whenever a worker's connection is lost, whether from a clean
// Kill or a crash. c.CurrentTask() still reports the task the worker
// was running, if any, so the caller can re-credit its resources and
// mark it LOST.
func (p *Pool) OnDeath(fn func(c *Client)) {
	p.onDeath = fn
}

// OnAssign installs the handler invoked (off the event-loop
// goroutine; same re-entry responsibility as OnMessage/OnDeath)
// immediately after a task spec has actually been written to a
// worker's socket by Assign, giving the caller the signal it needs to
// advance the task's status from SCHEDULED to RUNNING.
func (p *Pool) OnAssign(fn func(workerID string, spec taskspec.TaskSpec)) {
	p.onAssign = fn
}

func (p *Pool) handleDeath(c *Client) {
	p.mtx.Lock()
	delete(p.registered, c.ID)
	pid, hasPID := c.PID()
	if hasPID {
		delete(p.killers, pid)
	}
	p.mtx.Unlock()
	c.State = StateDead
	p.updateMetrics()
	p.notify()
	if p.onDeath != nil {
		p.onDeath(c)
	}
	if p.targetCount > len(p.registered)+len(p.spawned) {
		if err := p.spawnOne(); err != nil {
			p.logger.WithError(err).Warn("failed to respawn worker after death")
		}
	}
}

// Send writes a single framed message of type msgType to c's socket.
func (p *Pool) Send(c *Client, msgType uint8, payload []byte) error {
	return wire.WriteFrame(c.w, msgType, payload)
}

// Kill terminates the worker process behind c, using the given mode.
// After the returned call completes, c is no longer in any internal
// collection.
func (p *Pool) Kill(c *Client, mode KillMode, reason string) {
	defer func() {
		p.mtx.Lock()
		delete(p.registered, c.ID)
		p.mtx.Unlock()
		p.updateMetrics()
	}()
	pid, hasPID := c.PID()
	if !hasPID {
		c.conn.Close()
		return
	}
	p.mtx.Lock()
	proc := p.spawned[pid]
	p.mtx.Unlock()
	if proc == nil {
		c.conn.Close()
		return
	}
	pk := newProcKiller(pid, proc, func() error {
		return p.Send(c, MsgTerminate, nil)
	}, p.timeoutTERM, p.timeoutSignal, func(int) {
		p.logger.WithField("PID", pid).Warn("worker unkillable via SIGTERM, escalated")
	}, func(int) {
		p.logger.WithField("PID", pid).Info("worker killed")
	}, p.logger)
	p.mtx.Lock()
	p.killers[pid] = pk
	p.mtx.Unlock()
	pk.Kill(mode, reason)
	c.conn.Close()
}

// CountByState returns the number of workers in each State, for
// metrics and tests (scenario 6, the worker-lifecycle test).
func (p *Pool) CountByState() map[State]int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	counts := map[State]int{}
	for range p.spawned {
		counts[StateSpawned]++
	}
	for _, c := range p.registered {
		counts[c.State]++
	}
	return counts
}

// Addr returns the Unix socket address the pool is listening on, for
// tests that dial in directly rather than spawning a worker command.
func (p *Pool) Addr() string {
	return p.listener.Addr().String()
}

// SpawnedCount and RegisteredCount expose the two halves of invariant
// 4 (|child_pids| + |registered_workers| constant) directly.
func (p *Pool) SpawnedCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.spawned)
}

func (p *Pool) RegisteredCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.registered)
}

// HandleRegister completes a worker's SPAWNED->REGISTERED (via
// CONNECTED) transition: it removes the worker's PID from spawned and
// attaches it to the already-registered Client.
func (p *Pool) HandleRegister(c *Client, pid int, actor taskspec.ActorID) {
	p.mtx.Lock()
	delete(p.spawned, pid)
	c.Register(pid, actor)
	p.mtx.Unlock()
	p.updateMetrics()
	p.notify()
}

// PickIdleWorker implements queue.Assigner: it returns the
// least-recently-idle eligible worker for actor (or any plain idle
// worker if actor is empty), satisfying the actor-affinity rule that
// an actor-tagged task must land on that actor's own worker and a
// worker once bound to an actor is never handed a plain task.
func (p *Pool) PickIdleWorker(actor taskspec.ActorID) (string, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var best *Client
	for _, c := range p.registered {
		if !c.Idle() {
			continue
		}
		if c.Actor() != actor {
			continue
		}
		if best == nil || c.idleSeq < best.idleSeq {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// Assign implements queue.Assigner: marks the worker busy and sends
// it the task spec over its socket.
func (p *Pool) Assign(workerID string, spec taskspec.TaskSpec) {
	p.mtx.Lock()
	c, ok := p.registered[workerID]
	p.mtx.Unlock()
	if !ok {
		return
	}
	c.MarkBusy(spec.ID)
	payload := encodeTaskSpec(spec)
	if err := p.Send(c, MsgExecuteTask, payload); err != nil {
		p.logger.WithError(err).WithField("WorkerID", workerID).Warn("failed to send task to worker")
		return
	}
	if p.onAssign != nil {
		p.onAssign(workerID, spec)
	}
}

// MarkWorkerIdle transitions c back to IDLE and stamps it with the
// current idle sequence number for least-recently-used tie-breaking.
func (p *Pool) MarkWorkerIdle(c *Client) {
	p.mtx.Lock()
	p.idleSeq++
	c.idleSeq = p.idleSeq
	p.mtx.Unlock()
	c.MarkIdle()
	p.notify()
}

// Subscribe returns a channel that receives a value whenever the
// pool's worker set changes (spawn, register, idle, death).
func (p *Pool) Subscribe() (<-chan struct{}, func()) {
	p.mtx.Lock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan struct{}, 1)
	p.subs[id] = ch
	p.mtx.Unlock()
	return ch, func() {
		p.mtx.Lock()
		delete(p.subs, id)
		p.mtx.Unlock()
	}
}

func (p *Pool) notify() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) updateMetrics() {
	p.mtx.Lock()
	spawned, registered := len(p.spawned), len(p.registered)
	var idle, busy int
	for _, c := range p.registered {
		if c.Idle() {
			idle++
		} else if c.State == StateBusy {
			busy++
		}
	}
	p.mtx.Unlock()
	if p.mWorkersSpawned != nil {
		p.mWorkersSpawned.Set(float64(spawned))
		p.mWorkersRegistered.Set(float64(registered))
		p.mWorkersIdle.Set(float64(idle))
		p.mWorkersBusy.Set(float64(busy))
	}
}

// Close shuts down the listener and all registered connections.
func (p *Pool) Close() error {
	err := p.listener.Close()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, c := range p.registered {
		c.conn.Close()
	}
	return err
}

// PIDString renders a pid for log fields consistently, matching the
// teacher's log-field naming convention.
func PIDString(pid int) string { return strconv.Itoa(pid) }

// encodeTaskSpec serializes spec with gob, the wire-format choice for
// EXECUTE_TASK's task_spec_bytes payload (see DESIGN.md for why no
// in-pack library covers content-addressed wire framing).
func encodeTaskSpec(spec taskspec.TaskSpec) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(spec); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DecodeTaskSpec is the inverse of encodeTaskSpec, used by worker
// stubs and the SUBMIT_TASK handler.
func DecodeTaskSpec(payload []byte) (taskspec.TaskSpec, error) {
	var spec taskspec.TaskSpec
	err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&spec)
	return spec, err
}
