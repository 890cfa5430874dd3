// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package metadata wraps the cluster's replicated key-value + pub/sub
// service (the metadata store) with the task-table and object-table
// operations the engine needs, plus the location-change subscriptions
// the reconstruction coordinator watches.
package metadata

import (
	"context"

	"localscheduler/lib/localscheduler/taskspec"
)

// ObjectLocation names a node holding a copy of an object, as
// returned by ObjectTableLookup.
type ObjectLocation struct {
	ManagerID string
	Size      int64
	Hash      string
}

// *Client hands each callback passed to a Store method to the engine's
// deliver func, which runs it on the engine's single event-loop
// goroutine; the in-memory fake in internal/enginetest instead runs
// each callback synchronously, before the method returns.

// Store is the engine-facing interface to the metadata store. The
// production implementation is *Client (backed by valkey-go); tests
// substitute an in-memory fake from internal/enginetest.
type Store interface {
	// TaskTableAdd inserts a new task record in the given status.
	// cb is invoked once the write is durable.
	TaskTableAdd(ctx context.Context, rec taskspec.Record, cb func(error))

	// TaskTableUpdate performs a conditional status transition: the
	// update is applied only if the stored status still equals
	// expected at commit time (CAS). cb receives ok=true if the CAS
	// won, ok=false if another writer's status won instead.
	TaskTableUpdate(ctx context.Context, id taskspec.TaskID, expected, next taskspec.Status, cb func(ok bool, err error))

	// TaskTableGet fetches the current record for id, if any.
	TaskTableGet(ctx context.Context, id taskspec.TaskID, cb func(rec taskspec.Record, found bool, err error))

	// ObjectTableAdd registers a location for oid.
	ObjectTableAdd(ctx context.Context, oid taskspec.ObjectID, size int64, hash, managerID string, cb func(error))

	// ObjectTableRemove removes managerID's location for oid.
	ObjectTableRemove(ctx context.Context, oid taskspec.ObjectID, managerID string, cb func(error))

	// ObjectTableLookup returns all known locations for oid.
	ObjectTableLookup(ctx context.Context, oid taskspec.ObjectID, cb func(locs []ObjectLocation, err error))

	// Subscribe registers fn to be called, on the event loop, whenever
	// the object table entry for oid changes. Unsubscribe via the
	// returned cancel func.
	Subscribe(oid taskspec.ObjectID, fn func()) (cancel func())

	// Close releases the underlying connection.
	Close() error
}
