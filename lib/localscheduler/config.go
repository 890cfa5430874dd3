// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package localscheduler

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"localscheduler/lib/localscheduler/taskspec"
)

// Config holds every option in the distilled spec's configuration
// table, each available as a flag with an ENGINE_<NAME> environment
// fallback, following the flag-default-from-env convention of
// services/crunch-dispatch-local and services/crunch-dispatch-slurm.
type Config struct {
	NodeIPAddress          string
	ObjectStoreName        string
	ObjectStoreManagerName string
	LocalSchedulerName     string
	RedisAddress           string
	NumWorkers             int
	StaticResources        taskspec.ResourceVector
	WorkerCommand          []string

	TimeoutTERM    time.Duration
	TimeoutSignal  time.Duration
	ManagementAddr string
}

func envOr(name, def string) string {
	if v := os.Getenv("ENGINE_" + name); v != "" {
		return v
	}
	return def
}

func envOrInt(name string, def int) int {
	if v := os.Getenv("ENGINE_" + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ParseFlags parses args (typically os.Args[1:]) into a Config,
// mirroring crunch-dispatch-local's flag.NewFlagSet + struct-of-fields
// style.
func ParseFlags(args []string) (Config, error) {
	var cfg Config
	var staticResources string
	var workerCommand string

	flags := flag.NewFlagSet("local-scheduler", flag.ContinueOnError)
	flags.StringVar(&cfg.NodeIPAddress, "node-ip-address", envOr("NODE_IP_ADDRESS", ""), "IP advertised to cluster")
	flags.StringVar(&cfg.ObjectStoreName, "object-store-name", envOr("OBJECT_STORE_NAME", "/tmp/object-store.sock"), "path to object-store IPC socket")
	flags.StringVar(&cfg.ObjectStoreManagerName, "object-store-manager-name", envOr("OBJECT_STORE_MANAGER_NAME", "/tmp/object-store-manager.sock"), "path to object-store's remote-fetch socket")
	flags.StringVar(&cfg.LocalSchedulerName, "local-scheduler-name", envOr("LOCAL_SCHEDULER_NAME", "/tmp/local-scheduler.sock"), "path at which the engine binds its worker socket")
	flags.StringVar(&cfg.RedisAddress, "redis-address", envOr("REDIS_ADDRESS", "127.0.0.1:6379"), "host:port of the metadata store")
	flags.IntVar(&cfg.NumWorkers, "num-workers", envOrInt("NUM_WORKERS", 4), "initial pool size")
	flags.StringVar(&staticResources, "static-resources", envOr("STATIC_RESOURCES", "4,0"), "CPU,GPU scalar resource capacities")
	flags.StringVar(&workerCommand, "worker-command", envOr("WORKER_COMMAND", ""), "template command line used to spawn a worker; %socket% is replaced with the accept socket path")
	flags.StringVar(&cfg.ManagementAddr, "management-addr", envOr("MANAGEMENT_ADDR", ":0"), "address for the management HTTP API (metrics, health)")
	timeoutTERM := flags.Duration("timeout-term", 5*time.Second, "graceful-kill wait before escalating to SIGKILL")
	timeoutSignal := flags.Duration("timeout-signal", time.Second, "interval between repeated SIGTERM attempts during graceful kill")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.TimeoutTERM = *timeoutTERM
	cfg.TimeoutSignal = *timeoutSignal

	res, err := parseResourceVector(staticResources)
	if err != nil {
		return Config{}, fmt.Errorf("static-resources: %w", err)
	}
	cfg.StaticResources = res

	if workerCommand != "" {
		cfg.WorkerCommand = strings.Fields(workerCommand)
	}
	return cfg, nil
}

func parseResourceVector(s string) (taskspec.ResourceVector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return taskspec.ResourceVector{}, fmt.Errorf("expected CPU,GPU, got %q", s)
	}
	cpu, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return taskspec.ResourceVector{}, err
	}
	gpu, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return taskspec.ResourceVector{}, err
	}
	return taskspec.ResourceVector{CPU: cpu, GPU: gpu}, nil
}
