// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ledger

import (
	check "gopkg.in/check.v1"

	"localscheduler/lib/localscheduler/taskspec"
)

var _ = check.Suite(&LedgerSuite{})

type LedgerSuite struct{}

func (*LedgerSuite) TestDebitCreditRoundTrip(c *check.C) {
	l := New(taskspec.ResourceVector{CPU: 4, GPU: 1})
	demand := taskspec.ResourceVector{CPU: 2, GPU: 1}
	c.Check(l.Fits(demand), check.Equals, true)
	l.Debit(demand)
	c.Check(l.Available(), check.Equals, taskspec.ResourceVector{CPU: 2, GPU: 0})
	l.Credit(demand)
	c.Check(l.Available(), check.Equals, l.Capacity())
	c.Check(l.Idle(), check.Equals, true)
}

func (*LedgerSuite) TestFitsRejectsOverdemand(c *check.C) {
	l := New(taskspec.ResourceVector{CPU: 1})
	c.Check(l.Fits(taskspec.ResourceVector{CPU: 2}), check.Equals, false)
}

func (*LedgerSuite) TestDebitPanicsWhenOverCapacity(c *check.C) {
	l := New(taskspec.ResourceVector{CPU: 1})
	c.Check(func() { l.Debit(taskspec.ResourceVector{CPU: 2}) }, check.PanicMatches, ".*exceeds available.*")
}
