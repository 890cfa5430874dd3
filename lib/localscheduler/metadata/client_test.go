// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package metadata

import (
	check "gopkg.in/check.v1"

	"localscheduler/lib/localscheduler/taskspec"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct{}

func (*ClientSuite) TestKeyNamingMatchesRPCConvention(c *check.C) {
	id := taskspec.TaskID{1, 2, 3}
	oid := taskspec.ObjectID{4, 5, 6}
	c.Check(taskKey(id), check.Equals, "TASK_TABLE:"+id.String())
	c.Check(objectKey(oid), check.Equals, "OBJECT_TABLE:"+oid.String())
}

func (*ClientSuite) TestParseStatusRecognizesEveryStatusString(c *check.C) {
	for _, want := range []taskspec.Status{
		taskspec.StatusWaiting,
		taskspec.StatusScheduled,
		taskspec.StatusRunning,
		taskspec.StatusDone,
		taskspec.StatusLost,
	} {
		got, ok := parseStatus(want.String())
		c.Check(ok, check.Equals, true)
		c.Check(got, check.Equals, want)
	}
	_, ok := parseStatus("bogus")
	c.Check(ok, check.Equals, false)
}

func (*ClientSuite) TestSpecRoundTripsThroughGob(c *check.C) {
	spec := taskspec.New([]taskspec.ObjectID{{9}}, 2, taskspec.ResourceVector{CPU: 1}, "actor-x", []byte("payload"))
	encoded, err := encodeSpec(spec)
	c.Assert(err, check.IsNil)
	decoded, err := decodeSpec(encoded)
	c.Assert(err, check.IsNil)
	c.Check(decoded.ID, check.Equals, spec.ID)
	c.Check(decoded.Returns, check.Equals, spec.Returns)
	c.Check(decoded.Actor, check.Equals, spec.Actor)
}
