// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package reconstruct implements the Reconstruction Coordinator: the
// race-free protocol that re-executes the task producing a lost
// object, while suppressing the re-run when the object turns out to
// be available after all.
package reconstruct

import (
	"context"

	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/metadata"
	"localscheduler/lib/localscheduler/taskspec"
)

// ObjectState is a reconstruction state-map entry: Idle, FetchRequested
// (a location was found, fetch in flight), or ReconstructionRequested
// (no location, this node's CAS won, the producing task is being
// re-run).
type ObjectState int

const (
	Idle ObjectState = iota
	FetchRequested
	ReconstructionRequested
)

// Fetcher issues a remote pull for an object and is notified of
// completion via the engine's normal object_added/object_removed
// flow — Fetch itself carries no timeout at the engine level.
type Fetcher interface {
	Fetch(ctx context.Context, oid taskspec.ObjectID) error
}

// TaskOwner reports whether this node owns a task id (so the
// coordinator knows whether to resubmit locally or defer to the
// remote owner), resubmits a task spec it already knows about, and
// looks up a spec by the object id it is declared to produce.
type TaskOwner interface {
	Owns(id taskspec.TaskID) bool
	SpecForReturnedObject(oid taskspec.ObjectID) (spec taskspec.TaskSpec, ok bool)
	Resubmit(spec taskspec.TaskSpec)
}

// Coordinator runs the reconstruct(oid) protocol described in
// SPEC_FULL §4.3. It is owned by the engine's single event-loop
// goroutine; every metadata-store callback it issues is funneled back
// through that same goroutine by the Store implementation.
type Coordinator struct {
	logger logrus.FieldLogger
	store  metadata.Store
	fetch  Fetcher
	owner  TaskOwner

	state map[taskspec.ObjectID]ObjectState
	subs  map[taskspec.ObjectID]func()
}

func New(logger logrus.FieldLogger, store metadata.Store, fetch Fetcher, owner TaskOwner) *Coordinator {
	return &Coordinator{
		logger: logger,
		store:  store,
		fetch:  fetch,
		owner:  owner,
		state:  make(map[taskspec.ObjectID]ObjectState),
		subs:   make(map[taskspec.ObjectID]func()),
	}
}

// watch subscribes to oid's object-table entry for the duration of a
// reconstruction attempt, so a location another node adds while we
// are deciding whether to re-execute is observed instead of only
// being caught by the next unrelated Reconstruct call.
func (co *Coordinator) watch(oid taskspec.ObjectID) {
	if _, ok := co.subs[oid]; ok {
		return
	}
	co.subs[oid] = co.store.Subscribe(oid, func() { co.onLocationChanged(oid) })
}

// unwatch cancels oid's subscription, if any. Called whenever oid's
// state returns to (or never leaves) Idle.
func (co *Coordinator) unwatch(oid taskspec.ObjectID) {
	if cancel, ok := co.subs[oid]; ok {
		cancel()
		delete(co.subs, oid)
	}
}

// onLocationChanged re-checks oid's locations whenever its
// object-table entry changes while a reconstruction is in flight. A
// location that appears mid-flight (another node produced or fetched
// the object first) is picked up as a fetch instead of letting a
// redundant local re-execution run to completion.
func (co *Coordinator) onLocationChanged(oid taskspec.ObjectID) {
	if co.state[oid] != ReconstructionRequested {
		return
	}
	co.store.ObjectTableLookup(context.Background(), oid, func(locs []metadata.ObjectLocation, err error) {
		if err != nil || len(locs) == 0 || co.state[oid] != ReconstructionRequested {
			return
		}
		co.state[oid] = FetchRequested
		if err := co.fetch.Fetch(context.Background(), oid); err != nil {
			co.logger.WithError(err).WithField("ObjectID", oid).Warn("reconstruct: fetch issue failed, object store will retry")
		}
	})
}

// State returns oid's current reconstruction state (Idle if it has no
// entry yet — entries are created lazily).
func (co *Coordinator) State(oid taskspec.ObjectID) ObjectState {
	return co.state[oid]
}

// Reconstruct runs the reconstruct(oid) protocol. Duplicate calls
// while oid is not Idle are no-ops, coalescing repeated worker
// requests for the same lost object.
func (co *Coordinator) Reconstruct(ctx context.Context, oid taskspec.ObjectID) {
	if co.state[oid] != Idle {
		co.logger.WithField("ObjectID", oid).Debug("reconstruct: already in flight, coalescing")
		return
	}
	co.watch(oid)
	co.store.ObjectTableLookup(ctx, oid, func(locs []metadata.ObjectLocation, err error) {
		if err != nil {
			co.logger.WithError(err).WithField("ObjectID", oid).Warn("reconstruct: lookup failed")
			co.unwatch(oid)
			return
		}
		if len(locs) > 0 {
			co.state[oid] = FetchRequested
			if err := co.fetch.Fetch(ctx, oid); err != nil {
				co.logger.WithError(err).WithField("ObjectID", oid).Warn("reconstruct: fetch issue failed, object store will retry")
			}
			return
		}
		co.handleNoLocation(ctx, oid)
	})
}

// handleNoLocation runs step 3 of the protocol: no location is
// listed, so look up the producing task and decide whether to
// re-execute it.
func (co *Coordinator) handleNoLocation(ctx context.Context, oid taskspec.ObjectID) {
	spec, ok := co.owner.SpecForReturnedObject(oid)
	if !ok {
		co.logger.WithField("ObjectID", oid).Debug("reconstruct: producing task unknown to this node")
		co.unwatch(oid)
		return
	}
	co.store.TaskTableGet(ctx, spec.ID, func(rec taskspec.Record, found bool, err error) {
		if err != nil || !found {
			if err != nil {
				co.logger.WithError(err).WithField("TaskID", spec.ID).Warn("reconstruct: task table get failed")
			}
			co.unwatch(oid)
			return
		}
		switch rec.Status {
		case taskspec.StatusDone:
			co.tryReviveFromDone(ctx, oid, spec)
		case taskspec.StatusScheduled, taskspec.StatusRunning:
			// In-flight execution will (re)produce the object.
			co.unwatch(oid)
		case taskspec.StatusWaiting, taskspec.StatusLost:
			if co.owner.Owns(spec.ID) {
				co.state[oid] = ReconstructionRequested
				co.owner.Resubmit(spec)
			} else {
				co.unwatch(oid)
			}
		}
	})
}

// tryReviveFromDone is the suppression-sensitive CAS step: the object
// is re-scheduled only if the task's status was still DONE at CAS
// time. If another node already advanced it (e.g. it's already back
// to WAITING from a concurrent reconstruct), our CAS fails and we do
// nothing — the spurious re-run is suppressed.
func (co *Coordinator) tryReviveFromDone(ctx context.Context, oid taskspec.ObjectID, spec taskspec.TaskSpec) {
	co.state[oid] = ReconstructionRequested
	co.store.TaskTableUpdate(ctx, spec.ID, taskspec.StatusDone, taskspec.StatusWaiting, func(won bool, err error) {
		if err != nil {
			co.logger.WithError(err).WithField("TaskID", spec.ID).Warn("reconstruct: CAS failed")
			co.state[oid] = Idle
			co.unwatch(oid)
			return
		}
		if !won {
			// Another node is already handling it.
			co.state[oid] = Idle
			co.unwatch(oid)
			return
		}
		co.owner.Resubmit(spec)
	})
}

// NotifyDelivered transitions oid back to Idle after a fetch
// completes or fails (the object store retries internally on
// failure, so this is only called on actual delivery).
func (co *Coordinator) NotifyDelivered(oid taskspec.ObjectID) {
	if co.state[oid] == FetchRequested {
		co.state[oid] = Idle
		co.unwatch(oid)
	}
}

// NotifyTaskComplete transitions every oid this coordinator marked
// ReconstructionRequested for the given task back to Idle once that
// task reaches DONE again.
func (co *Coordinator) NotifyTaskComplete(returns []taskspec.ObjectID) {
	for _, oid := range returns {
		if co.state[oid] == ReconstructionRequested {
			co.state[oid] = Idle
			co.unwatch(oid)
		}
	}
}
