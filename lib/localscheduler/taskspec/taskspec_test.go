// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskspec

import (
	"bytes"
	"encoding/gob"

	"github.com/google/go-cmp/cmp"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TaskSpecSuite{})

type TaskSpecSuite struct{}

func (*TaskSpecSuite) TestIDIsDeterministic(c *check.C) {
	a := New([]ObjectID{{1}, {2}}, 2, ResourceVector{CPU: 1}, "", []byte("fn"))
	b := New([]ObjectID{{1}, {2}}, 2, ResourceVector{CPU: 1}, "", []byte("fn"))
	c.Check(a.ID, check.Equals, b.ID)
}

func (*TaskSpecSuite) TestIDChangesWithContent(c *check.C) {
	a := New([]ObjectID{{1}}, 1, ResourceVector{CPU: 1}, "", []byte("fn"))
	b := New([]ObjectID{{2}}, 1, ResourceVector{CPU: 1}, "", []byte("fn"))
	c.Check(a.ID, check.Not(check.Equals), b.ID)
}

func (*TaskSpecSuite) TestReturnObjectIDIsDeterministicAndDistinctPerIndex(c *check.C) {
	spec := New(nil, 3, ResourceVector{}, "", []byte("fn"))
	ids := ReturnObjectIDs(spec)
	c.Assert(ids, check.HasLen, 3)
	c.Check(ids[0], check.Not(check.Equals), ids[1])
	c.Check(ids[1], check.Not(check.Equals), ids[2])
	c.Check(ReturnObjectID(spec.ID, 0), check.Equals, ids[0])
}

func (*TaskSpecSuite) TestGobRoundTripPreservesSpec(c *check.C) {
	want := New([]ObjectID{{1}, {2}}, 2, ResourceVector{CPU: 2, GPU: 1}, ActorID("actor-1"), []byte("fn-body"))

	var buf bytes.Buffer
	c.Assert(gob.NewEncoder(&buf).Encode(want), check.IsNil)

	var got TaskSpec
	c.Assert(gob.NewDecoder(&buf).Decode(&got), check.IsNil)

	if diff := cmp.Diff(want, got); diff != "" {
		c.Fatalf("round-tripped spec differs from original:\n%s", diff)
	}
}

func (*TaskSpecSuite) TestResourceVectorArithmetic(c *check.C) {
	v := ResourceVector{CPU: 4, GPU: 1}
	d := ResourceVector{CPU: 1, GPU: 1}
	c.Check(v.Sub(d), check.Equals, ResourceVector{CPU: 3, GPU: 0})
	c.Check(v.Sub(d).Add(d), check.Equals, v)
	c.Check(d.LessEqual(v), check.Equals, true)
	c.Check(v.LessEqual(d), check.Equals, false)
}
