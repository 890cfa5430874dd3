// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"localscheduler/lib/localscheduler"
)

func main() {
	if err := doMain(); err != nil {
		logrus.WithError(err).Fatal("local-scheduler exiting")
	}
}

func doMain() error {
	cfg, err := localscheduler.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	eng := localscheduler.New(logger, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	logger.WithField("Signal", sig).Info("received signal, shutting down")
	eng.Stop()
	return nil
}
