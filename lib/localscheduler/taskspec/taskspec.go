// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskspec defines the immutable, content-addressed descriptors
// the local scheduler operates on: TaskSpec and ObjectID.
package taskspec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ObjectID is a fixed-width opaque identifier, analogous to the
// content hashes Arvados uses for collection locators.
type ObjectID [sha256.Size]byte

func (oid ObjectID) String() string {
	return fmt.Sprintf("%x", oid[:])
}

// IsZero reports whether oid is the zero value, used to mean "no id"
// in contexts where ObjectID is returned by value.
func (oid ObjectID) IsZero() bool {
	return oid == ObjectID{}
}

// TaskID identifies a TaskSpec. It is derived deterministically from
// the spec's contents, so two specs with byte-identical payloads have
// the same id.
type TaskID [sha256.Size]byte

func (id TaskID) String() string {
	return fmt.Sprintf("%x", id[:])
}

func (id TaskID) IsZero() bool {
	return id == TaskID{}
}

// ResourceVector is a scalar resource demand or capacity: CPU and GPU
// counts. Additional resource dimensions beyond CPU/GPU are out of
// scope; see Non-goals.
type ResourceVector struct {
	CPU int
	GPU int
}

// LessEqual reports whether each component of v is <= the
// corresponding component of other.
func (v ResourceVector) LessEqual(other ResourceVector) bool {
	return v.CPU <= other.CPU && v.GPU <= other.GPU
}

func (v ResourceVector) Add(other ResourceVector) ResourceVector {
	return ResourceVector{CPU: v.CPU + other.CPU, GPU: v.GPU + other.GPU}
}

func (v ResourceVector) Sub(other ResourceVector) ResourceVector {
	return ResourceVector{CPU: v.CPU - other.CPU, GPU: v.GPU - other.GPU}
}

// ActorID names the stateful actor a task is bound to. The zero value
// means "no actor" (a plain, stateless task).
type ActorID string

// TaskSpec is an immutable, content-identified description of a unit
// of deferred computation: its arguments, its declared returns, its
// resource demand, and (optionally) the actor it must run on.
//
// Equality is byte-wise over the serialized payload; two TaskSpecs
// built from identical Args/Returns/Resources/ActorID/Payload produce
// the same ID.
type TaskSpec struct {
	ID        TaskID
	Args      []ObjectID
	Returns   int // number of return values; return ids are derived, not stored
	Resources ResourceVector
	Actor     ActorID
	Payload   []byte // opaque, engine does not interpret it
}

// New builds a TaskSpec and computes its content-derived ID. numReturns
// is the count of return values the task will produce; their ids are
// derived lazily by ReturnObjectID.
func New(args []ObjectID, numReturns int, resources ResourceVector, actor ActorID, payload []byte) TaskSpec {
	spec := TaskSpec{
		Args:      args,
		Returns:   numReturns,
		Resources: resources,
		Actor:     actor,
		Payload:   payload,
	}
	spec.ID = computeTaskID(spec)
	return spec
}

func computeTaskID(spec TaskSpec) TaskID {
	h := sha256.New()
	for _, a := range spec.Args {
		h.Write(a[:])
	}
	var nr [8]byte
	binary.BigEndian.PutUint64(nr[:], uint64(spec.Returns))
	h.Write(nr[:])
	var res [16]byte
	binary.BigEndian.PutUint64(res[:8], uint64(spec.Resources.CPU))
	binary.BigEndian.PutUint64(res[8:], uint64(spec.Resources.GPU))
	h.Write(res[:])
	h.Write([]byte(spec.Actor))
	h.Write(spec.Payload)
	var id TaskID
	copy(id[:], h.Sum(nil))
	return id
}

// ReturnObjectID deterministically derives the ObjectID of the k-th
// return value of the task identified by id. Implementations across
// the cluster must reproduce this exact derivation so that remote
// consumers can name a task's return values before it has run.
func ReturnObjectID(id TaskID, k int) ObjectID {
	h := sha256.New()
	h.Write(id[:])
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], uint64(k))
	h.Write(kb[:])
	var oid ObjectID
	copy(oid[:], h.Sum(nil))
	return oid
}

// ReturnObjectIDs derives the full ordered list of return object ids
// for spec.
func ReturnObjectIDs(spec TaskSpec) []ObjectID {
	ids := make([]ObjectID, spec.Returns)
	for k := range ids {
		ids[k] = ReturnObjectID(spec.ID, k)
	}
	return ids
}

// Status is a task record's lifecycle state, as stored in the task
// table. Transitions are monotone (WAITING < SCHEDULED < RUNNING <
// DONE), with Lost able to supersede any non-terminal status.
type Status int

const (
	StatusWaiting Status = iota
	StatusScheduled
	StatusRunning
	StatusDone
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusScheduled:
		return "SCHEDULED"
	case StatusRunning:
		return "RUNNING"
	case StatusDone:
		return "DONE"
	case StatusLost:
		return "LOST"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Precedence returns the monotone ordering rank used to resolve
// concurrent task-table writers: higher rank wins. Lost ranks above
// every non-terminal status and Done ranks above Lost, so Lost
// supersedes any non-terminal (non-Done) status but not Done.
func (s Status) Precedence() int {
	if s == StatusDone {
		return int(StatusLost) + 1
	}
	return int(s)
}

// Record is the mutable task-table entry: the immutable spec plus its
// current status and owning node.
type Record struct {
	Spec      TaskSpec
	Status    Status
	OwnerNode string
}
