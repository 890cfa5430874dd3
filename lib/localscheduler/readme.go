// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package localscheduler

// An Engine comprises a resource ledger, a queue manager, a worker
// pool, a reconstruction coordinator, and clients for the two
// external collaborators, the metadata store and the object store.
// 1. Connect to the metadata store and the object store.
// 2. Start the worker pool, spawning the configured number of workers.
// 3. Run the control loop: drain the event channel, dispatching each
//    queued closure in the order it was delivered.
// 4. Repeat from 3 until Stop is called.
//
//
// The resource ledger tracks the node's scalar CPU/GPU capacity and
// how much of it is currently debited by running tasks. It never goes
// negative; callers must check Fits before Debit.
//
//
// The queue manager holds two queues — tasks waiting on missing
// arguments, and tasks ready to run but not yet assigned a worker —
// plus the map of argument object ids currently resident on this
// node. It dispatches the head of the ready queue whenever resources
// and an eligible idle worker are both available, never skipping past
// an unsatisfiable head.
//
//
// A worker pool spawns local worker subprocesses and tracks each
// one's lifecycle from spawn through registration, idle/busy cycling,
// and death, over a single listening socket framed the same way on
// every connection. It kills a worker gracefully (terminate message,
// then a bounded SIGTERM retry, then SIGKILL) or immediately
// (SIGKILL directly), and respawns automatically to hold its target
// worker count.
//
//
// The reconstruction coordinator re-executes the task that produced
// an object once that object has no remaining location, using a
// compare-and-swap on the task table's status field to suppress a
// spurious re-run if another node (or a fetch of a location that
// turns out to still exist) already resolves it first. A resubmitted
// task that is itself missing an argument reconstructs that argument
// too, cascading back through a dependency chain to its head.
