// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue implements the Queue Manager: the waiting queue, the
// dispatch queue, and the transitions between them, following the
// head-blocking FIFO dispatch loop of an Arvados-style scheduler.
package queue

import (
	"container/list"
	"time"

	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/ledger"
	"localscheduler/lib/localscheduler/taskspec"
)

// Assigner picks an idle worker for a task and hands the task to it.
// The Manager checks the ledger fit before calling PickIdleWorker and
// debits the ledger itself before calling Assign; Assigner does not
// touch the ledger.
type Assigner interface {
	// PickIdleWorker returns the id of the least-recently-idle worker
	// eligible to run actor (empty for a plain task), or ok=false if
	// none is available.
	PickIdleWorker(actor taskspec.ActorID) (workerID string, ok bool)

	// Assign marks workerID busy with spec. Called only after
	// PickIdleWorker returned ok and the ledger fit check passed.
	Assign(workerID string, spec taskspec.TaskSpec)
}

// TaskTable is the subset of the metadata-store client the queue
// manager needs to update task status as it moves tasks between
// queues and workers.
type TaskTable interface {
	SetStatus(id taskspec.TaskID, status taskspec.Status)
}

type entry struct {
	spec       taskspec.TaskSpec
	firstSeen  time.Time
	missing    map[taskspec.ObjectID]struct{} // args not yet in LocalObjects
	assignedTo string                         // worker id, empty if unassigned
}

// Manager is the Queue Manager. It owns the waiting queue, the
// dispatch queue, and a task-id-indexed map of the authoritative
// entries both queues hold borrowed references into.
type Manager struct {
	logger logrus.FieldLogger
	ledger *ledger.Ledger
	tasks  TaskTable

	byID     map[taskspec.TaskID]*entry
	waiting  *list.List // of *entry
	dispatch *list.List // of *entry

	localObjects map[taskspec.ObjectID]struct{}
}

// New returns an empty Manager.
func New(logger logrus.FieldLogger, l *ledger.Ledger, tasks TaskTable) *Manager {
	return &Manager{
		logger:       logger,
		ledger:       l,
		tasks:        tasks,
		byID:         make(map[taskspec.TaskID]*entry),
		waiting:      list.New(),
		dispatch:     list.New(),
		localObjects: make(map[taskspec.ObjectID]struct{}),
	}
}

// WaitingLen and DispatchLen report current queue depths, used by
// tests asserting the literal end-to-end scenarios and by metrics.
func (m *Manager) WaitingLen() int  { return m.waiting.Len() }
func (m *Manager) DispatchLen() int { return m.dispatch.Len() }

// Submit classifies spec's argument availability against LocalObjects
// and enqueues it in waiting or dispatch accordingly, then attempts
// to dispatch immediately.
func (m *Manager) Submit(spec taskspec.TaskSpec, assigner Assigner) {
	if _, exists := m.byID[spec.ID]; exists {
		return
	}
	e := &entry{spec: spec, firstSeen: time.Now(), missing: m.missingArgs(spec)}
	m.byID[spec.ID] = e
	m.tasks.SetStatus(spec.ID, taskspec.StatusWaiting)
	if len(e.missing) > 0 {
		m.waiting.PushBack(e)
	} else {
		m.dispatch.PushBack(e)
	}
	m.tryDispatch(assigner)
}

func (m *Manager) missingArgs(spec taskspec.TaskSpec) map[taskspec.ObjectID]struct{} {
	missing := make(map[taskspec.ObjectID]struct{})
	for _, a := range spec.Args {
		if _, ok := m.localObjects[a]; !ok {
			missing[a] = struct{}{}
		}
	}
	return missing
}

// OnObjectAvailable marks oid as locally resident and promotes every
// waiting task whose last missing argument was oid into the dispatch
// queue.
func (m *Manager) OnObjectAvailable(oid taskspec.ObjectID, assigner Assigner) {
	m.localObjects[oid] = struct{}{}
	for el := m.waiting.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if _, missing := e.missing[oid]; missing {
			delete(e.missing, oid)
			if len(e.missing) == 0 {
				m.waiting.Remove(el)
				m.dispatch.PushBack(e)
			}
		}
		el = next
	}
	m.tryDispatch(assigner)
}

// OnObjectRemoved marks oid as no longer locally resident and demotes
// every dispatch-queue task that depends on oid back to waiting. Only
// the dispatch queue is scanned: a task already assigned to a worker
// has left that queue and is not demoted, whether or not the worker
// has started running it.
func (m *Manager) OnObjectRemoved(oid taskspec.ObjectID) {
	delete(m.localObjects, oid)
	for el := m.dispatch.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if dependsOn(e.spec, oid) && e.assignedTo == "" {
			e.missing[oid] = struct{}{}
			m.dispatch.Remove(el)
			m.waiting.PushBack(e)
		}
		el = next
	}
}

func dependsOn(spec taskspec.TaskSpec, oid taskspec.ObjectID) bool {
	for _, a := range spec.Args {
		if a == oid {
			return true
		}
	}
	return false
}

// OnWorkerIdle attempts to dispatch queued work onto the newly-idle
// worker pool.
func (m *Manager) OnWorkerIdle(assigner Assigner) {
	m.tryDispatch(assigner)
}

// TryDispatch is the public entry point used by callers (the engine's
// periodic tick and its NOTIFY_UNBLOCKED handler) who need to force a
// dispatch attempt without going through one of the other triggers.
func (m *Manager) TryDispatch(assigner Assigner) {
	m.tryDispatch(assigner)
}

// tryDispatch repeatedly assigns the head of the dispatch queue to an
// idle worker as long as resources and an eligible worker exist for
// it. It never skips past an unsatisfiable head, preserving FIFO and
// preventing a wide task from starving behind narrower ones that
// arrived later.
func (m *Manager) tryDispatch(assigner Assigner) {
tryrun:
	for {
		el := m.dispatch.Front()
		if el == nil {
			break
		}
		e := el.Value.(*entry)
		if !m.ledger.Fits(e.spec.Resources) {
			break tryrun
		}
		workerID, ok := assigner.PickIdleWorker(e.spec.Actor)
		if !ok {
			break tryrun
		}
		m.ledger.Debit(e.spec.Resources)
		e.assignedTo = workerID
		m.tasks.SetStatus(e.spec.ID, taskspec.StatusScheduled)
		assigner.Assign(workerID, e.spec)
		m.dispatch.Remove(el)
		m.logger.WithFields(logrus.Fields{
			"TaskID":   e.spec.ID,
			"WorkerID": workerID,
		}).Debug("dispatched task")
	}
}

// Forget drops a task's entry from the task-id index, so a later
// Submit of the same spec is treated as a fresh entry. The engine
// calls it when the task reaches DONE and when its worker dies; it
// does not check the task's return objects.
func (m *Manager) Forget(id taskspec.TaskID) {
	delete(m.byID, id)
}

// MarkAssignmentCleared clears the worker assignment recorded on an
// assigned task's entry; the engine calls it when the worker reports
// TASK_DONE. It does not re-insert the entry into either queue.
func (m *Manager) MarkAssignmentCleared(id taskspec.TaskID) {
	if e, ok := m.byID[id]; ok {
		e.assignedTo = ""
	}
}

// Get returns the spec of the entry tracked under id, if any.
func (m *Manager) Get(id taskspec.TaskID) (taskspec.TaskSpec, bool) {
	e, ok := m.byID[id]
	if !ok {
		return taskspec.TaskSpec{}, false
	}
	return e.spec, true
}

// MissingArgs returns a snapshot of id's currently-missing argument
// object ids (nil if id is untracked or has none missing). Callers
// use this to recursively reconstruct a resubmitted task's own
// missing inputs, so that reconstructing the tail of a dependency
// chain cascades back to its head.
func (m *Manager) MissingArgs(id taskspec.TaskID) []taskspec.ObjectID {
	e, ok := m.byID[id]
	if !ok || len(e.missing) == 0 {
		return nil
	}
	missing := make([]taskspec.ObjectID, 0, len(e.missing))
	for oid := range e.missing {
		missing = append(missing, oid)
	}
	return missing
}
