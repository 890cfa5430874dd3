// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objectstore

import (
	"bufio"
	"context"
	"net"
	"path/filepath"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"

	"localscheduler/lib/localscheduler/taskspec"
	"localscheduler/lib/localscheduler/wire"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct {
	listener net.Listener
	server   net.Conn
	client   *Client
	delivery chan func()
	added    chan taskspec.ObjectID
	removed  chan taskspec.ObjectID
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	sockPath := filepath.Join(c.MkDir(), "objectstore.sock")
	ln, err := net.Listen("unix", sockPath)
	c.Assert(err, check.IsNil)
	s.listener = ln

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		c.Assert(err, check.IsNil)
		accepted <- conn
	}()

	s.delivery = make(chan func(), 16)
	s.added = make(chan taskspec.ObjectID, 16)
	s.removed = make(chan taskspec.ObjectID, 16)
	client, err := New(sockPath, logrus.New(), func(f func()) { s.delivery <- f },
		func(oid taskspec.ObjectID) { s.added <- oid },
		func(oid taskspec.ObjectID) { s.removed <- oid })
	c.Assert(err, check.IsNil)
	s.client = client
	s.server = <-accepted
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	s.client.Close()
	s.server.Close()
	s.listener.Close()
}

func (s *ClientSuite) TestFetchWritesFrame(c *check.C) {
	var oid taskspec.ObjectID
	copy(oid[:], "an-object-id-0123456789abcdef01")

	done := make(chan struct{})
	go func() {
		c.Assert(s.client.Fetch(context.Background(), oid), check.IsNil)
		close(done)
	}()

	r := bufio.NewReader(s.server)
	msgType, payload, err := wire.ReadFrame(r)
	c.Assert(err, check.IsNil)
	c.Check(msgType, check.Equals, uint8(MsgFetch))
	c.Check(payload, check.DeepEquals, oid[:])
	<-done
}

func (s *ClientSuite) TestNotificationsAreDelivered(c *check.C) {
	var sealed, evicted taskspec.ObjectID
	copy(sealed[:], "sealed-object-id-0123456789abcd")
	copy(evicted[:], "evicted-object-id-0123456789abc")

	w := bufio.NewWriter(s.server)
	c.Assert(wire.WriteFrame(w, uint8(MsgObjectSealed), sealed[:]), check.IsNil)
	c.Assert(wire.WriteFrame(w, uint8(MsgObjectEvicted), evicted[:]), check.IsNil)

	fn := <-s.delivery
	fn()
	c.Check(<-s.added, check.Equals, sealed)

	fn = <-s.delivery
	fn()
	c.Check(<-s.removed, check.Equals, evicted)
}
