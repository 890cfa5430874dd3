// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// KillMode selects how a worker subprocess is terminated.
type KillMode int

const (
	// Graceful sends a terminate IPC message and waits a bounded
	// timeout for the worker to exit cleanly before escalating to
	// SIGKILL.
	Graceful KillMode = iota
	// Immediate sends SIGKILL directly, skipping the terminate
	// message and the wait.
	Immediate
)

// procKiller manages killing a single spawned subprocess, mirroring
// the SIGTERM-retry-then-escalate protocol Arvados's remoteRunner
// uses against remote crunch-run processes, adapted to a local PID
// and os.Process.
type procKiller struct {
	pid           int
	proc          *os.Process
	terminateIPC  func() error // send the worker a graceful terminate message
	timeoutTERM   time.Duration
	timeoutSignal time.Duration
	onUnkillable  func(pid int)
	onKilled      func(pid int)
	logger        logrus.FieldLogger

	stopping bool
	closed   chan struct{}
}

func newProcKiller(pid int, proc *os.Process, terminateIPC func() error, timeoutTERM, timeoutSignal time.Duration, onUnkillable, onKilled func(int), logger logrus.FieldLogger) *procKiller {
	return &procKiller{
		pid:           pid,
		proc:          proc,
		terminateIPC:  terminateIPC,
		timeoutTERM:   timeoutTERM,
		timeoutSignal: timeoutSignal,
		onUnkillable:  onUnkillable,
		onKilled:      onKilled,
		logger:        logger.WithField("PID", pid),
		closed:        make(chan struct{}),
	}
}

// Kill starts a background task to kill the worker process according
// to mode. Calling Kill more than once on the same procKiller has no
// effect after the first call.
func (pk *procKiller) Kill(mode KillMode, reason string) {
	if pk.stopping {
		return
	}
	pk.stopping = true
	pk.logger.WithField("Reason", reason).Info("killing worker process")

	if mode == Immediate {
		pk.signal(syscall.SIGKILL)
		return
	}

	if pk.terminateIPC != nil {
		if err := pk.terminateIPC(); err != nil {
			pk.logger.WithError(err).Debug("terminate IPC message failed, falling back to signals")
		}
	}
	go func() {
		termDeadline := time.Now().Add(pk.timeoutTERM)
		t := time.NewTicker(pk.timeoutSignal)
		defer t.Stop()
		for range t.C {
			switch {
			case pk.isClosed():
				return
			case time.Now().After(termDeadline):
				pk.logger.Debug("giving up, escalating to SIGKILL")
				pk.signal(syscall.SIGKILL)
				pk.onUnkillable(pk.pid)
				return
			default:
				pk.signal(syscall.SIGTERM)
			}
		}
	}()
}

func (pk *procKiller) signal(sig syscall.Signal) {
	logger := pk.logger.WithField("Signal", int(sig))
	if err := pk.proc.Signal(sig); err != nil {
		logger.WithError(err).Debug("signal delivery failed, process may already be gone")
		return
	}
	logger.Info("sent signal")
	if sig == syscall.SIGKILL {
		pk.onKilled(pk.pid)
	}
}

func (pk *procKiller) Close() {
	close(pk.closed)
}

func (pk *procKiller) isClosed() bool {
	select {
	case <-pk.closed:
		return true
	default:
		return false
	}
}

func spawnWorker(command []string) (*os.Process, int, error) {
	if len(command) == 0 {
		return nil, 0, fmt.Errorf("worker: empty worker-command")
	}
	proc, err := os.StartProcess(command[0], command, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("worker: spawn %q: %w", command[0], err)
	}
	return proc, proc.Pid, nil
}
