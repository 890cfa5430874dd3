// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// throttle suspends some activity until a holdoff period passes,
// recording an explanatory error for the duration. Here it gates
// repeated respawn attempts for a worker-command that is failing
// immediately on exec, instead of a cloud provider's rate-limit
// response.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckSpawnError records a holdoff if err looks like a worker
// process that will keep failing to start (e.g. the command is not
// executable); the holdoff is fixed at backoff since there is no
// provider-supplied retry-after here.
func (thr *throttle) CheckSpawnError(err error, logger logrus.FieldLogger, backoff time.Duration, notify func()) {
	if err == nil {
		return
	}
	until := time.Now().Add(backoff)
	logger.WithFields(logrus.Fields{
		"Duration": backoff,
		"ResumeAt": until,
	}).Warn("suspending worker respawn due to repeated spawn failure")
	thr.ErrorUntil(fmt.Errorf("worker respawn suspended for %s: %w", backoff, err), until, notify)
}

func (thr *throttle) ErrorUntil(err error, until time.Time, notify func()) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
	if notify != nil {
		time.AfterFunc(until.Sub(time.Now()), notify)
	}
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
