// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package metadata

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"

	"localscheduler/lib/localscheduler/taskspec"
)

const (
	taskTableKeyPrefix   = "TASK_TABLE:"
	objectTableKeyPrefix = "OBJECT_TABLE:"
)

func taskKey(id taskspec.TaskID) string      { return taskTableKeyPrefix + id.String() }
func objectKey(oid taskspec.ObjectID) string { return objectTableKeyPrefix + oid.String() }

var statusByName = map[string]taskspec.Status{
	taskspec.StatusWaiting.String():   taskspec.StatusWaiting,
	taskspec.StatusScheduled.String(): taskspec.StatusScheduled,
	taskspec.StatusRunning.String():   taskspec.StatusRunning,
	taskspec.StatusDone.String():      taskspec.StatusDone,
	taskspec.StatusLost.String():      taskspec.StatusLost,
}

// parseStatus is the inverse of taskspec.Status.String, used to read
// the status field back out of a task-table hash.
func parseStatus(s string) (taskspec.Status, bool) {
	st, ok := statusByName[s]
	return st, ok
}

// encodeSpec and decodeSpec round-trip a TaskSpec through the task
// table's "spec" hash field, using the same gob encoding the worker
// IPC protocol uses for EXECUTE_TASK.
func encodeSpec(spec taskspec.TaskSpec) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(spec); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeSpec(s string) (taskspec.TaskSpec, error) {
	var spec taskspec.TaskSpec
	err := gob.NewDecoder(bytes.NewReader([]byte(s))).Decode(&spec)
	return spec, err
}

// Client is the production Store, backed by a Redis-protocol server
// (Valkey or Redis) reached via valkey-go. Task records are stored as
// hashes under TASK_TABLE:<task-id>; object locations are stored as a
// Redis set under OBJECT_TABLE:<oid>, and changes to that set are
// announced on a pub/sub channel of the same name so Subscribe can
// watch it without polling.
//
// Every callback passed to the RPC methods here is executed by
// enqueuing a closure onto deliver, which the engine's event loop
// drains on its own goroutine. Each RPC runs on its own goroutine, so
// the callbacks of two calls on the same key reach deliver in the
// order the calls complete, which is not necessarily the order they
// were made; only the messages of one key's subscription (Subscribe)
// are delivered in arrival order.
type Client struct {
	client  valkey.Client
	logger  logrus.FieldLogger
	deliver func(func())

	mtx       sync.Mutex
	subs      map[string]map[int]func()
	next      int
	cancelSub map[string]context.CancelFunc
	subCtx    context.Context
	subCancel context.CancelFunc
}

// New dials addr (host:port) and returns a Client whose callbacks are
// all funneled through deliver (typically the engine's event channel).
func New(addr string, logger logrus.FieldLogger, deliver func(func())) (*Client, error) {
	vc, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("metadata: connect to %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		client:    vc,
		logger:    logger,
		deliver:   deliver,
		subs:      make(map[string]map[int]func()),
		cancelSub: make(map[string]context.CancelFunc),
		subCtx:    ctx,
		subCancel: cancel,
	}, nil
}

func (c *Client) Close() error {
	c.subCancel()
	c.client.Close()
	return nil
}

func (c *Client) TaskTableAdd(ctx context.Context, rec taskspec.Record, cb func(error)) {
	go func() {
		specBytes, err := encodeSpec(rec.Spec)
		if err != nil {
			c.deliver(func() { cb(err) })
			return
		}
		cmd := c.client.B().Hset().Key(taskKey(rec.Spec.ID)).
			FieldValue().FieldValue("status", rec.Status.String()).
			FieldValue("owner", rec.OwnerNode).
			FieldValue("spec", specBytes).Build()
		err = c.client.Do(ctx, cmd).Error()
		c.deliver(func() { cb(err) })
	}()
}

func (c *Client) TaskTableUpdate(ctx context.Context, id taskspec.TaskID, expected, next taskspec.Status, cb func(bool, error)) {
	go func() {
		key := taskKey(id)
		ok, err := c.casStatus(ctx, key, expected, next)
		c.deliver(func() { cb(ok, err) })
	}()
}

// casStatusScript performs the status CAS entirely on the server: the
// compare and the set happen inside a single EVAL, so there is no
// window between reading the field and writing it for a second node's
// write to land in. This is what gives the suppression protocol its
// strict single-winner guarantee (SPEC_FULL §12) against the real
// metadata store, not just against the in-memory test fake.
var casStatusScript = valkey.NewLuaScript(`
local cur = redis.call("HGET", KEYS[1], "status")
if cur == ARGV[1] then
	redis.call("HSET", KEYS[1], "status", ARGV[2])
	return 1
end
return 0
`)

// casStatus atomically sets key's status field to next iff it is
// currently expected, returning whether this call won the race.
func (c *Client) casStatus(ctx context.Context, key string, expected, next taskspec.Status) (bool, error) {
	res := casStatusScript.Exec(ctx, c.client, []string{key}, []string{expected.String(), next.String()})
	if err := res.Error(); err != nil {
		return false, err
	}
	won, err := res.ToInt64()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

func (c *Client) TaskTableGet(ctx context.Context, id taskspec.TaskID, cb func(taskspec.Record, bool, error)) {
	go func() {
		res := c.client.Do(ctx, c.client.B().Hgetall().Key(taskKey(id)).Build())
		fields, err := res.AsStrMap()
		if err != nil {
			c.deliver(func() { cb(taskspec.Record{}, false, err) })
			return
		}
		if len(fields) == 0 {
			c.deliver(func() { cb(taskspec.Record{}, false, nil) })
			return
		}
		rec := taskspec.Record{OwnerNode: fields["owner"]}
		if status, ok := parseStatus(fields["status"]); ok {
			rec.Status = status
		} else {
			c.logger.WithFields(logrus.Fields{"TaskID": id, "Status": fields["status"]}).Warn("metadata: unrecognized task status")
		}
		if specStr, ok := fields["spec"]; ok {
			spec, err := decodeSpec(specStr)
			if err != nil {
				c.deliver(func() { cb(taskspec.Record{}, false, err) })
				return
			}
			rec.Spec = spec
		}
		c.deliver(func() { cb(rec, true, nil) })
	}()
}

func (c *Client) ObjectTableAdd(ctx context.Context, oid taskspec.ObjectID, size int64, hash, managerID string, cb func(error)) {
	go func() {
		key := objectKey(oid)
		member := fmt.Sprintf("%s|%d|%s", managerID, size, hash)
		err := c.client.Do(ctx, c.client.B().Sadd().Key(key).Member(member).Build()).Error()
		if err == nil {
			c.client.Do(ctx, c.client.B().Publish().Channel(key).Message("add").Build())
		}
		c.deliver(func() { cb(err) })
	}()
}

func (c *Client) ObjectTableRemove(ctx context.Context, oid taskspec.ObjectID, managerID string, cb func(error)) {
	go func() {
		key := objectKey(oid)
		res := c.client.Do(ctx, c.client.B().Smembers().Key(key).Build())
		members, _ := res.AsStrSlice()
		var toRemove []string
		for _, m := range members {
			if strings.HasPrefix(m, managerID+"|") {
				toRemove = append(toRemove, m)
			}
		}
		var err error
		if len(toRemove) > 0 {
			err = c.client.Do(ctx, c.client.B().Srem().Key(key).Member(toRemove...).Build()).Error()
		}
		if err == nil {
			c.client.Do(ctx, c.client.B().Publish().Channel(key).Message("remove").Build())
		}
		c.deliver(func() { cb(err) })
	}()
}

func (c *Client) ObjectTableLookup(ctx context.Context, oid taskspec.ObjectID, cb func([]ObjectLocation, error)) {
	go func() {
		key := objectKey(oid)
		res := c.client.Do(ctx, c.client.B().Smembers().Key(key).Build())
		members, err := res.AsStrSlice()
		if err != nil {
			c.deliver(func() { cb(nil, err) })
			return
		}
		locs := make([]ObjectLocation, 0, len(members))
		for _, m := range members {
			parts := strings.SplitN(m, "|", 3)
			loc := ObjectLocation{ManagerID: parts[0]}
			if len(parts) == 3 {
				loc.Size, _ = strconv.ParseInt(parts[1], 10, 64)
				loc.Hash = parts[2]
			}
			locs = append(locs, loc)
		}
		c.deliver(func() { cb(locs, nil) })
	}()
}

// Subscribe watches the pub/sub channel for oid's object-table key
// and invokes fn, via deliver, whenever a message arrives. A single
// background goroutine per distinct key is shared across multiple
// Subscribe calls on the same oid, preserving arrival order for that
// key across all of its subscribers.
func (c *Client) Subscribe(oid taskspec.ObjectID, fn func()) (cancel func()) {
	key := objectKey(oid)
	c.mtx.Lock()
	id := c.next
	c.next++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]func())
		ctx, stop := context.WithCancel(c.subCtx)
		c.cancelSub[key] = stop
		go c.watch(ctx, key)
	}
	c.subs[key][id] = fn
	c.mtx.Unlock()

	return func() {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
			if stop := c.cancelSub[key]; stop != nil {
				stop()
				delete(c.cancelSub, key)
			}
		}
	}
}

func (c *Client) watch(ctx context.Context, key string) {
	err := c.client.Receive(ctx, c.client.B().Subscribe().Channel(key).Build(), func(msg valkey.PubSubMessage) {
		c.mtx.Lock()
		fns := make([]func(), 0, len(c.subs[key]))
		for _, fn := range c.subs[key] {
			fns = append(fns, fn)
		}
		c.mtx.Unlock()
		c.deliver(func() {
			for _, fn := range fns {
				fn()
			}
		})
	})
	if err != nil && ctx.Err() == nil {
		c.logger.WithError(err).WithField("Channel", key).Warn("metadata subscription ended")
	}
}
