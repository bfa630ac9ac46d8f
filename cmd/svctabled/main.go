// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command svctabled maintains a service resolution table from static
// configuration, polled files, and etcd, and keeps it in step with the
// host's links.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bufbuild/svctable"
	"github.com/bufbuild/svctable/config"
	"github.com/bufbuild/svctable/controlplane"
	"github.com/bufbuild/svctable/internal/logging"
	"github.com/bufbuild/svctable/linkstate"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("svctabled", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to the YAML configuration file")
	logSpec := flags.String("log", "", "Log spec, for example info,table=debug (overrides "+logging.EnvVar+" and the config file)")
	logFormat := flags.String("log-format", "", "Log format: text or json (overrides the config file)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "svctabled: %v\n", err)
		return 1
	}
	if *logFormat == "" {
		*logFormat = cfg.Log.Format
	}
	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "svctabled: %v\n", err)
		return 2
	}
	logger, err := logging.New(logging.Options{
		Flag:   *logSpec,
		Env:    os.Getenv(logging.EnvVar),
		Config: cfg.Log.Spec,
		Format: format,
		Output: stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "svctabled: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("svctabled failed", "error", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

type namedSource struct {
	name   string
	source controlplane.Source
}

// serve runs until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	daemonLogger := logger.With(logging.ComponentKey, "daemon")
	options := []svctable.Option{
		svctable.WithLogger(logger.With(logging.ComponentKey, "table")),
	}
	var monitor *linkstate.Monitor
	if !cfg.Links.Disabled {
		monitor = linkstate.NewMonitor(linkstate.NetProber{}, linkstate.Config{
			Interval: cfg.Links.PollInterval,
			Logger:   logger.With(logging.ComponentKey, "linkstate"),
		})
		options = append(options, svctable.WithDeviceResolver(monitor))
	}
	table := svctable.New(options...)
	defer table.Destroy()

	sources, closeSources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	defer closeSources()

	group, ctx := errgroup.WithContext(ctx)
	controlLogger := logger.With(logging.ComponentKey, "controlplane")
	for _, named := range sources {
		var syncerOptions []controlplane.SyncerOption
		var refresh <-chan struct{}
		if monitor != nil {
			syncerOptions = append(syncerOptions, controlplane.WithLinkChecker(monitor))
			refresh = monitor.Subscribe()
		}
		syncer := controlplane.NewSyncer(table, controlLogger.With("source", named.name), syncerOptions...)
		task := named.source.New(ctx, syncer, refresh)
		group.Go(func() error {
			<-ctx.Done()
			err := task.Close()
			syncer.Withdraw()
			return err
		})
	}
	if monitor != nil {
		group.Go(func() error {
			return monitor.Run(ctx, table)
		})
	}
	if cfg.DumpInterval > 0 {
		group.Go(func() error {
			dumpTable(ctx, table, cfg.DumpInterval, daemonLogger)
			return nil
		})
	}
	daemonLogger.Info("started", "sources", len(sources), "links", monitor != nil)
	err = group.Wait()
	daemonLogger.Info("stopped", "stats", table.Stats())
	return err
}

// buildSources creates a source per configured origin of registrations.
// The returned function releases connections the sources hold.
func buildSources(cfg *config.Config) ([]namedSource, func(), error) {
	var sources []namedSource
	registrations, err := cfg.Registrations()
	if err != nil {
		return nil, nil, err
	}
	if len(registrations) > 0 {
		sources = append(sources, namedSource{"static", controlplane.NewStaticSource(registrations)})
	}
	for _, file := range cfg.Files {
		sources = append(sources, namedSource{
			name:   "file:" + file.Path,
			source: controlplane.NewPollingSource(controlplane.FileProber{Path: file.Path}, file.Interval),
		})
	}
	closer := func() {}
	if cfg.Etcd != nil {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to etcd: %w", err)
		}
		closer = func() { _ = client.Close() }
		limiter := rate.NewLimiter(rate.Limit(cfg.Etcd.ResyncPerSecond), 1)
		sources = append(sources, namedSource{
			name:   "etcd:" + cfg.Etcd.Prefix,
			source: controlplane.NewEtcdSource(client, cfg.Etcd.Prefix, limiter),
		})
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no registration sources configured")
	}
	return sources, closer, nil
}

// dumpTable logs the table's contents at debug level every interval.
func dumpTable(ctx context.Context, table *svctable.Table, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !logger.Enabled(ctx, slog.LevelDebug) {
			continue
		}
		var dump strings.Builder
		if _, err := table.WriteTo(&dump); err != nil {
			logger.Warn("dumping table failed", "error", err)
			continue
		}
		logger.Debug("table", "entries", table.Len(), "stats", table.Stats(), "dump", dump.String())
	}
}
