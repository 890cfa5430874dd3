// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker manages the lifecycle of local worker subprocesses:
// spawning, registration, task assignment, and graceful/immediate
// kill, following the same probe-driven state machine and
// signal-retry-then-escalate kill protocol Arvados uses for its
// remote crunch-run workers.
package worker

import (
	"bufio"
	"net"

	"localscheduler/lib/localscheduler/taskspec"
)

// State is a WorkerClient's position in its lifecycle:
// SPAWNED -> CONNECTED -> REGISTERED -> (IDLE <-> BUSY) -> DEAD.
type State int

const (
	StateSpawned State = iota
	StateConnected
	StateRegistered
	StateIdle
	StateBusy
	StateDead
)

var stateString = map[State]string{
	StateSpawned:    "SPAWNED",
	StateConnected:  "CONNECTED",
	StateRegistered: "REGISTERED",
	StateIdle:       "IDLE",
	StateBusy:       "BUSY",
	StateDead:       "DEAD",
}

// String implements fmt.Stringer.
func (s State) String() string { return stateString[s] }

// MarshalText implements encoding.TextMarshaler, matching the
// teacher's convention for states that end up in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// Client is a single worker subprocess's connection and state, as
// seen by the engine. Invariant: conn is non-nil iff State >=
// StateConnected; pid is known iff the worker has sent
// REGISTER_WORKER.
type Client struct {
	ID    string // connection id, assigned at accept time
	State State

	conn net.Conn
	w    *bufio.Writer

	pid     int
	hasPID  bool
	actor   taskspec.ActorID
	current taskspec.TaskID
	hasTask bool

	idleSeq int64 // monotonic tie-break: lower means idle longer
}

func newClient(id string, conn net.Conn) *Client {
	return &Client{
		ID:    id,
		State: StateConnected,
		conn:  conn,
		w:     bufio.NewWriter(conn),
	}
}

// Register transitions CONNECTED -> REGISTERED, recording the
// worker's OS pid and optional actor affinity.
func (c *Client) Register(pid int, actor taskspec.ActorID) {
	c.pid = pid
	c.hasPID = true
	c.actor = actor
	c.State = StateRegistered
}

// PID returns the worker's OS process id and whether it has
// registered one yet.
func (c *Client) PID() (int, bool) { return c.pid, c.hasPID }

// Idle reports whether the worker can accept a new assignment.
func (c *Client) Idle() bool {
	return c.State == StateIdle || c.State == StateRegistered
}

// MarkBusy transitions the worker to BUSY, recording the task it has
// been assigned.
func (c *Client) MarkBusy(id taskspec.TaskID) {
	c.current = id
	c.hasTask = true
	c.State = StateBusy
}

// MarkIdle transitions the worker back to IDLE after TASK_DONE.
func (c *Client) MarkIdle() {
	c.hasTask = false
	c.State = StateIdle
}

// CurrentTask returns the task id the worker is busy with, if any.
func (c *Client) CurrentTask() (taskspec.TaskID, bool) {
	return c.current, c.hasTask
}

// Actor returns the actor this worker is bound to, if any; the zero
// value means it is a plain, actor-agnostic worker.
func (c *Client) Actor() taskspec.ActorID { return c.actor }
