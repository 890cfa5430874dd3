// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package enginetest provides the fixtures the engine's own tests
// build on: an in-memory metadata store, a worker connection that
// speaks the real length-prefixed wire framing (over a net.Pipe or a
// dialed socket) rather than calling engine methods directly, and an
// ObjectID/TaskSpec
// builder for wiring up dependency graphs by hand. It plays the role
// lib/dispatchcloud/test's stub_driver.go, lame_instance_set.go, and
// queue.go play for the teacher's own tests.
package enginetest

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/metadata"
	"localscheduler/lib/localscheduler/taskspec"
	"localscheduler/lib/localscheduler/wire"
)

// Logger returns the standard logrus logger, promoted to Debug level
// when ENGINE_DEBUG is set, matching lib/dispatchcloud/test's
// ARVADOS_DEBUG convention.
func Logger() logrus.FieldLogger {
	logger := logrus.StandardLogger()
	if os.Getenv("ENGINE_DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// Store is a synchronous, in-memory metadata.Store: every callback
// fires before the call that registered it returns. Production code
// never observes synchronous callbacks (metadata.Client always hands
// off through deliver), but it is sufficient and deterministic for
// exercising engine logic in tests.
type Store struct {
	mtx     sync.Mutex
	tasks   map[taskspec.TaskID]taskspec.Record
	objects map[taskspec.ObjectID][]metadata.ObjectLocation
	subs    map[taskspec.ObjectID][]func()
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		tasks:   make(map[taskspec.TaskID]taskspec.Record),
		objects: make(map[taskspec.ObjectID][]metadata.ObjectLocation),
		subs:    make(map[taskspec.ObjectID][]func()),
	}
}

func (s *Store) TaskTableAdd(_ context.Context, rec taskspec.Record, cb func(error)) {
	s.mtx.Lock()
	s.tasks[rec.Spec.ID] = rec
	s.mtx.Unlock()
	cb(nil)
}

func (s *Store) TaskTableUpdate(_ context.Context, id taskspec.TaskID, expected, next taskspec.Status, cb func(bool, error)) {
	s.mtx.Lock()
	rec, ok := s.tasks[id]
	if !ok || rec.Status != expected {
		s.mtx.Unlock()
		cb(false, nil)
		return
	}
	rec.Status = next
	s.tasks[id] = rec
	s.mtx.Unlock()
	cb(true, nil)
}

func (s *Store) TaskTableGet(_ context.Context, id taskspec.TaskID, cb func(taskspec.Record, bool, error)) {
	s.mtx.Lock()
	rec, ok := s.tasks[id]
	s.mtx.Unlock()
	cb(rec, ok, nil)
}

func (s *Store) ObjectTableAdd(_ context.Context, oid taskspec.ObjectID, size int64, hash, managerID string, cb func(error)) {
	s.mtx.Lock()
	s.objects[oid] = append(s.objects[oid], metadata.ObjectLocation{ManagerID: managerID, Size: size, Hash: hash})
	subs := append([]func(){}, s.subs[oid]...)
	s.mtx.Unlock()
	for _, fn := range subs {
		fn()
	}
	cb(nil)
}

func (s *Store) ObjectTableRemove(_ context.Context, oid taskspec.ObjectID, managerID string, cb func(error)) {
	s.mtx.Lock()
	var kept []metadata.ObjectLocation
	for _, l := range s.objects[oid] {
		if l.ManagerID != managerID {
			kept = append(kept, l)
		}
	}
	s.objects[oid] = kept
	subs := append([]func(){}, s.subs[oid]...)
	s.mtx.Unlock()
	for _, fn := range subs {
		fn()
	}
	cb(nil)
}

func (s *Store) ObjectTableLookup(_ context.Context, oid taskspec.ObjectID, cb func([]metadata.ObjectLocation, error)) {
	s.mtx.Lock()
	locs := append([]metadata.ObjectLocation{}, s.objects[oid]...)
	s.mtx.Unlock()
	cb(locs, nil)
}

func (s *Store) Subscribe(oid taskspec.ObjectID, fn func()) func() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.subs[oid] = append(s.subs[oid], fn)
	idx := len(s.subs[oid]) - 1
	return func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.subs[oid][idx] = func() {}
	}
}

func (s *Store) Close() error { return nil }

// WorkerConn is a worker-side stub connection for exercising the
// engine's worker IPC codec end to end: it speaks the same
// length-prefixed framing the real worker runtime does, either over a
// net.Pipe (NewWorkerConnPair, no filesystem state needed) or over an
// already-dialed connection such as a Unix socket (NewWorkerConn).
type WorkerConn struct {
	conn net.Conn
	w    *bufio.Writer
	r    *bufio.Reader
}

// NewWorkerConnPair returns two ends of a pipe already wrapped as
// WorkerConns: one for the engine side, one for the simulated worker.
func NewWorkerConnPair() (engineSide, workerSide *WorkerConn) {
	a, b := net.Pipe()
	return &WorkerConn{conn: a, w: bufio.NewWriter(a), r: bufio.NewReader(a)},
		&WorkerConn{conn: b, w: bufio.NewWriter(b), r: bufio.NewReader(b)}
}

// NewWorkerConn wraps an already-established connection as a
// WorkerConn, for tests that dial a real worker.Pool's listening
// socket (rather than a net.Pipe) and drive the engine through actual
// socket I/O end to end.
func NewWorkerConn(conn net.Conn) *WorkerConn {
	return &WorkerConn{conn: conn, w: bufio.NewWriter(conn), r: bufio.NewReader(conn)}
}

// Send writes a single framed message.
func (w *WorkerConn) Send(msgType uint8, payload []byte) error {
	return wire.WriteFrame(w.w, msgType, payload)
}

// Recv blocks for a single framed message.
func (w *WorkerConn) Recv() (msgType uint8, payload []byte, err error) {
	return wire.ReadFrame(w.r)
}

// Close closes the underlying pipe end.
func (w *WorkerConn) Close() error { return w.conn.Close() }

// ExampleSpec builds a TaskSpec for tests: numReturns return values,
// no args, the given resource demand, no actor affinity. Two calls
// with the same arguments return the same spec (and task id).
func ExampleSpec(numReturns int, resources taskspec.ResourceVector) taskspec.TaskSpec {
	return taskspec.New(nil, numReturns, resources, "", []byte("enginetest-payload"))
}

// ExampleSpecWithArgs builds a TaskSpec that depends on args.
func ExampleSpecWithArgs(args []taskspec.ObjectID, numReturns int, resources taskspec.ResourceVector) taskspec.TaskSpec {
	return taskspec.New(args, numReturns, resources, "", []byte("enginetest-payload"))
}
