// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package objectstore talks to the node's local object-store daemon
// over a local IPC socket: it forwards OBJECT_SEALED/OBJECT_EVICTED
// notifications into the engine and issues FETCH requests out.
package objectstore

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler/taskspec"
	"localscheduler/lib/localscheduler/wire"
)

// MessageType tags a framed object-store IPC message.
type MessageType uint8

const (
	MsgObjectSealed  MessageType = 1
	MsgObjectEvicted MessageType = 2
	MsgFetch         MessageType = 3
)

// Client is the engine-facing object-store connection. Notifications
// are delivered onto the engine's event channel via the deliver func
// passed to New; Fetch issues a pull request.
type Client struct {
	conn    net.Conn
	logger  logrus.FieldLogger
	deliver func(func())

	mtx sync.Mutex
	w   *bufio.Writer
}

// New dials the object store's local socket at addr (a unix socket
// path) and starts reading notifications in a background goroutine,
// each one delivered onto the engine loop via deliver.
func New(addr string, logger logrus.FieldLogger, deliver func(func()), onAdded, onRemoved func(taskspec.ObjectID)) (*Client, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("objectstore: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		deliver: deliver,
		w:       bufio.NewWriter(conn),
	}
	go c.readLoop(onAdded, onRemoved)
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop(onAdded, onRemoved func(taskspec.ObjectID)) {
	r := bufio.NewReader(c.conn)
	for {
		msgType, payload, err := wire.ReadFrame(r)
		if err != nil {
			c.logger.WithError(err).Debug("objectstore connection closed")
			return
		}
		var oid taskspec.ObjectID
		copy(oid[:], payload)
		switch MessageType(msgType) {
		case MsgObjectSealed:
			c.deliver(func() { onAdded(oid) })
		case MsgObjectEvicted:
			c.deliver(func() { onRemoved(oid) })
		default:
			c.logger.WithField("MessageType", msgType).Warn("unknown object-store message")
		}
	}
}

// Fetch asks the object store to pull a remote copy of oid. Delivery
// of the object, if successful, surfaces later as an
// object_added(oid) notification; Fetch itself carries no timeout at
// the engine level, matching the external-interfaces contract.
func (c *Client) Fetch(_ context.Context, oid taskspec.ObjectID) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return wire.WriteFrame(c.w, uint8(MsgFetch), oid[:])
}
