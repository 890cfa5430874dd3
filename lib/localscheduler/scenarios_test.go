// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package localscheduler

import (
	"context"

	check "gopkg.in/check.v1"

	"localscheduler/internal/enginetest"
	"localscheduler/lib/localscheduler/ledger"
	"localscheduler/lib/localscheduler/queue"
	"localscheduler/lib/localscheduler/reconstruct"
	"localscheduler/lib/localscheduler/taskspec"
)

var _ = check.Suite(&ScenarioSuite{})

type ScenarioSuite struct{}

// harness wires a Ledger, a queue.Manager, and a reconstruct.Coordinator
// together exactly as Engine does, but against a trivial worker pool
// stand-in instead of a real worker.Pool — enough degrees of freedom
// (an adjustable set of idle worker ids) to drive literal scenarios
// 1–5 without spawning subprocesses or a metadata-store connection
// (scenario 6, the worker lifecycle, is in the worker package).
type harness struct {
	store  *enginetest.Store
	ledger *ledger.Ledger
	queue  *queue.Manager
	coord  *reconstruct.Coordinator

	workers  []string
	busy     map[string]bool
	byWorker map[string]taskspec.TaskID
	byTask   map[taskspec.TaskID]string

	specs      map[taskspec.TaskID]taskspec.TaskSpec
	specsByRet map[taskspec.ObjectID]taskspec.TaskSpec
	status     map[taskspec.TaskID]taskspec.Status
	deliveries map[taskspec.TaskID]int
	fetched    []taskspec.ObjectID
}

func newHarness(capacity taskspec.ResourceVector, numWorkers int) *harness {
	h := &harness{
		store:      enginetest.NewStore(),
		ledger:     ledger.New(capacity),
		busy:       make(map[string]bool),
		byWorker:   make(map[string]taskspec.TaskID),
		byTask:     make(map[taskspec.TaskID]string),
		specs:      make(map[taskspec.TaskID]taskspec.TaskSpec),
		specsByRet: make(map[taskspec.ObjectID]taskspec.TaskSpec),
		status:     make(map[taskspec.TaskID]taskspec.Status),
		deliveries: make(map[taskspec.TaskID]int),
	}
	for i := 0; i < numWorkers; i++ {
		h.workers = append(h.workers, string(rune('a'+i)))
	}
	h.queue = queue.New(enginetest.Logger(), h.ledger, h)
	h.coord = reconstruct.New(enginetest.Logger(), h.store, h, h)
	return h
}

// --- queue.Assigner ---

func (h *harness) PickIdleWorker(taskspec.ActorID) (string, bool) {
	for _, w := range h.workers {
		if !h.busy[w] {
			return w, true
		}
	}
	return "", false
}

func (h *harness) Assign(workerID string, spec taskspec.TaskSpec) {
	h.busy[workerID] = true
	h.byWorker[workerID] = spec.ID
	h.byTask[spec.ID] = workerID
	h.deliveries[spec.ID]++
}

// --- queue.TaskTable ---

func (h *harness) SetStatus(id taskspec.TaskID, status taskspec.Status) {
	prev, known := h.status[id]
	h.status[id] = status
	ctx := context.Background()
	if !known {
		h.store.TaskTableAdd(ctx, taskspec.Record{Spec: h.specs[id], Status: status}, func(error) {})
		return
	}
	h.store.TaskTableUpdate(ctx, id, prev, status, func(bool, error) {})
}

// --- reconstruct.Fetcher ---

func (h *harness) Fetch(_ context.Context, oid taskspec.ObjectID) error {
	h.fetched = append(h.fetched, oid)
	return nil
}

// --- reconstruct.TaskOwner ---

func (h *harness) Owns(id taskspec.TaskID) bool {
	_, ok := h.specs[id]
	return ok
}

func (h *harness) SpecForReturnedObject(oid taskspec.ObjectID) (taskspec.TaskSpec, bool) {
	spec, ok := h.specsByRet[oid]
	return spec, ok
}

func (h *harness) Resubmit(spec taskspec.TaskSpec) {
	h.queue.Submit(spec, h)
	h.afterSubmit(spec)
}

// --- driving the harness ---

func (h *harness) submit(spec taskspec.TaskSpec) {
	h.specs[spec.ID] = spec
	for _, oid := range taskspec.ReturnObjectIDs(spec) {
		h.specsByRet[oid] = spec
	}
	h.queue.Submit(spec, h)
	h.afterSubmit(spec)
}

func (h *harness) afterSubmit(spec taskspec.TaskSpec) {
	for _, oid := range h.queue.MissingArgs(spec.ID) {
		h.coord.Reconstruct(context.Background(), oid)
	}
}

// complete simulates a TASK_DONE from the worker running id: it
// credits the ledger, frees the worker, advances the task table to
// DONE, notifies the reconstruction coordinator, and marks the task's
// return objects locally available.
func (h *harness) complete(id taskspec.TaskID) {
	spec := h.specs[id]
	workerID := h.byTask[id]
	delete(h.byTask, id)
	delete(h.byWorker, workerID)
	h.busy[workerID] = false

	h.ledger.Credit(spec.Resources)
	h.queue.MarkAssignmentCleared(id)
	h.SetStatus(id, taskspec.StatusDone)
	returns := taskspec.ReturnObjectIDs(spec)
	h.coord.NotifyTaskComplete(returns)
	h.queue.Forget(id)
	for _, oid := range returns {
		h.queue.OnObjectAvailable(oid, h)
	}
	h.queue.OnWorkerIdle(h)
}

// die simulates a worker crashing while running id: unlike complete,
// the worker itself is gone, not merely freed, so it is dropped from
// the pool rather than marked idle. It re-credits the ledger, marks
// the task LOST, and resubmits it, mirroring Engine.onWorkerDeath.
func (h *harness) die(id taskspec.TaskID) {
	spec := h.specs[id]
	workerID := h.byTask[id]
	delete(h.byTask, id)
	delete(h.byWorker, workerID)
	delete(h.busy, workerID)
	live := h.workers[:0]
	for _, w := range h.workers {
		if w != workerID {
			live = append(live, w)
		}
	}
	h.workers = live

	h.ledger.Credit(spec.Resources)
	h.SetStatus(id, taskspec.StatusLost)
	h.queue.Forget(id)
	h.Resubmit(spec)
}

// drainAll repeatedly completes whatever task is currently running,
// until no worker is busy, simulating every in-flight task running to
// completion.
func (h *harness) drainAll() {
	for {
		var next taskspec.TaskID
		found := false
		for _, id := range h.byWorker {
			next, found = id, true
			break
		}
		if !found {
			return
		}
		h.complete(next)
	}
}

// TestReconstructionOfEvictedObject is scenario 1.
func (*ScenarioSuite) TestReconstructionOfEvictedObject(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 1)
	spec := enginetest.ExampleSpec(1, taskspec.ResourceVector{CPU: 1})
	x := taskspec.ReturnObjectID(spec.ID, 0)

	ctx := context.Background()
	h.store.ObjectTableAdd(ctx, x, 1, "h", "node-a", func(error) {})
	h.store.ObjectTableRemove(ctx, x, "node-a", func(error) {})

	h.submit(spec)
	c.Check(h.deliveries[spec.ID], check.Equals, 1)
	h.complete(spec.ID)

	h.coord.Reconstruct(ctx, x)
	c.Check(h.deliveries[spec.ID], check.Equals, 2)
	h.drainAll()

	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)
}

// TestRecursiveReconstruction is scenario 2: a ten-task chain where
// each task consumes its predecessor's return value, all of whose
// return objects are evicted (both from the metadata store and from
// local residency) once their consumer has been dispatched.
func (*ScenarioSuite) TestRecursiveReconstruction(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 1)
	ctx := context.Background()

	const n = 10
	specs := make([]taskspec.TaskSpec, n)
	var prevReturn []taskspec.ObjectID
	for i := 0; i < n; i++ {
		specs[i] = enginetest.ExampleSpecWithArgs(prevReturn, 1, taskspec.ResourceVector{CPU: 1})
		x := taskspec.ReturnObjectID(specs[i].ID, 0)
		h.store.ObjectTableAdd(ctx, x, 1, "h", "node-a", func(error) {})
		h.store.ObjectTableRemove(ctx, x, "node-a", func(error) {})
		prevReturn = []taskspec.ObjectID{x}
	}

	for i := 0; i < n; i++ {
		h.submit(specs[i])
		c.Check(h.deliveries[specs[i].ID], check.Equals, 1)
		h.complete(specs[i].ID)
		if i > 0 {
			prev := taskspec.ReturnObjectID(specs[i-1].ID, 0)
			h.queue.OnObjectRemoved(prev)
		}
	}

	last := taskspec.ReturnObjectID(specs[n-1].ID, 0)
	h.coord.Reconstruct(ctx, last)
	h.drainAll()

	for i := 0; i < n; i++ {
		c.Check(h.deliveries[specs[i].ID], check.Equals, 2)
	}
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)
}

// TestReconstructionSuppression is scenario 3.
func (*ScenarioSuite) TestReconstructionSuppression(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 1)
	spec := enginetest.ExampleSpec(1, taskspec.ResourceVector{CPU: 1})
	x := taskspec.ReturnObjectID(spec.ID, 0)

	ctx := context.Background()
	h.store.ObjectTableAdd(ctx, x, 1, "h", "node-a", func(error) {})

	h.submit(spec)
	c.Check(h.deliveries[spec.ID], check.Equals, 1)

	h.coord.Reconstruct(ctx, x)

	c.Check(h.deliveries[spec.ID], check.Equals, 1)
	c.Check(h.fetched, check.DeepEquals, []taskspec.ObjectID{x})
}

// TestSingleDependencyStaging is scenario 4.
func (*ScenarioSuite) TestSingleDependencyStaging(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 0)
	input := taskspec.ObjectID{0xAA}
	spec := enginetest.ExampleSpecWithArgs([]taskspec.ObjectID{input}, 0, taskspec.ResourceVector{CPU: 1})

	h.submit(spec)
	c.Check(h.queue.WaitingLen(), check.Equals, 1)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)

	h.queue.OnObjectAvailable(input, h)
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 1)

	h.workers = append(h.workers, "w")
	h.queue.OnWorkerIdle(h)
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)
}

// TestDispatchDemotionOnEviction is scenario 5.
func (*ScenarioSuite) TestDispatchDemotionOnEviction(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 0)
	input := taskspec.ObjectID{0xBB}
	h.queue.OnObjectAvailable(input, h)

	spec := enginetest.ExampleSpecWithArgs([]taskspec.ObjectID{input}, 0, taskspec.ResourceVector{CPU: 1})
	h.submit(spec)
	c.Check(h.queue.DispatchLen(), check.Equals, 1)

	h.queue.OnObjectRemoved(input)
	c.Check(h.queue.WaitingLen(), check.Equals, 1)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)

	h.queue.OnObjectAvailable(input, h)
	c.Check(h.queue.DispatchLen(), check.Equals, 1)

	h.workers = append(h.workers, "w")
	h.queue.OnWorkerIdle(h)
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)
}

// TestInvariantLedgerNeverNegative exercises invariant 3: the ledger
// never goes negative, and returns to full capacity once every task
// completes.
func (*ScenarioSuite) TestInvariantLedgerNeverNegative(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 2}, 2)
	s1 := enginetest.ExampleSpec(0, taskspec.ResourceVector{CPU: 1})
	s2 := taskspec.New(nil, 0, taskspec.ResourceVector{CPU: 1}, "", []byte("second-task"))
	h.submit(s1)
	h.submit(s2)
	c.Check(h.ledger.Available(), check.Equals, taskspec.ResourceVector{CPU: 0})
	h.drainAll()
	c.Check(h.ledger.Available(), check.Equals, h.ledger.Capacity())
}

// TestWorkerDeathCreditsLedgerAndMarksTaskLost exercises the
// "free the worker, re-credit its task's resources, mark its
// in-progress task LOST" requirement: a worker crash must not leak
// ledger capacity, and the task must be resubmitted and eventually
// run to completion rather than vanishing.
func (*ScenarioSuite) TestWorkerDeathCreditsLedgerAndMarksTaskLost(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 1)
	spec := enginetest.ExampleSpec(0, taskspec.ResourceVector{CPU: 1})

	h.submit(spec)
	c.Check(h.deliveries[spec.ID], check.Equals, 1)
	c.Check(h.ledger.Available(), check.Equals, taskspec.ResourceVector{CPU: 0})

	h.die(spec.ID)
	c.Check(h.ledger.Available(), check.Equals, h.ledger.Capacity())
	c.Check(h.status[spec.ID], check.Equals, taskspec.StatusLost)
	c.Check(h.queue.DispatchLen(), check.Equals, 1)

	// the dead worker is gone; nothing runs again until a replacement
	// (respawned by the pool, here simulated directly) goes idle.
	h.workers = append(h.workers, "replacement")
	h.queue.OnWorkerIdle(h)
	c.Check(h.deliveries[spec.ID], check.Equals, 2)

	h.drainAll()
	c.Check(h.ledger.Available(), check.Equals, h.ledger.Capacity())
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
	c.Check(h.queue.DispatchLen(), check.Equals, 0)
}

// TestRoundTripRemovedThenAvailable exercises the removed-then-available
// round-trip law: it must leave queue membership identical to the
// pre-removal state.
func (*ScenarioSuite) TestRoundTripRemovedThenAvailable(c *check.C) {
	h := newHarness(taskspec.ResourceVector{CPU: 1}, 0)
	input := taskspec.ObjectID{0xCC}
	h.queue.OnObjectAvailable(input, h)
	spec := enginetest.ExampleSpecWithArgs([]taskspec.ObjectID{input}, 0, taskspec.ResourceVector{CPU: 1})
	h.submit(spec)
	before := h.queue.DispatchLen()

	h.queue.OnObjectRemoved(input)
	h.queue.OnObjectAvailable(input, h)

	c.Check(h.queue.DispatchLen(), check.Equals, before)
	c.Check(h.queue.WaitingLen(), check.Equals, 0)
}
