// Copyright 2026 The initd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// initd is the init daemon: it supervises jobs defined under the job
// directory, connects them through events, and answers initctl over the
// control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/initware/initd/internal/config"
	"github.com/initware/initd/internal/control"
	"github.com/initware/initd/internal/engine"
	"github.com/initware/initd/internal/journal"
	"github.com/initware/initd/internal/lifecycle"
	"github.com/initware/initd/internal/log"
	"github.com/initware/initd/internal/watcher"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Daemon configuration file")
		socketPath  = flag.String("socket", "", "Control socket path")
		jobDir      = flag.String("jobs-dir", "", "Job definition directory")
		logDir      = flag.String("log-dir", "", "Per-job console log directory")
		journalPath = flag.String("journal", "", "Journal database path (empty string from config disables)")
		metricsAddr = flag.String("metrics", "", "Prometheus metrics listen address")
		pidFile     = flag.String("pidfile", "", "Daemon pidfile path")
		noPIDFile   = flag.Bool("no-pidfile", false, "Skip pidfile handling (running as process 1)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("initd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadDaemon(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *jobDir != "" {
		cfg.JobDir = *jobDir
	}
	if *logDir != "" {
		cfg.LogDir = *logDir
	}
	if *journalPath != "" {
		cfg.JournalPath = *journalPath
	}
	if *metricsAddr != "" {
		cfg.MetricsListen = *metricsAddr
	}
	if *pidFile != "" {
		cfg.PIDFile = *pidFile
	}

	if err := run(cfg, logger, *noPIDFile); err != nil {
		logger.Error("Daemon failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Daemon, logger *slog.Logger, noPIDFile bool) error {
	// As process 1 there is nothing to collide with; otherwise refuse to
	// run twice.
	managePIDFile := !noPIDFile && os.Getpid() != 1 && cfg.PIDFile != ""
	if managePIDFile {
		if err := lifecycle.WritePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer lifecycle.RemovePIDFile(cfg.PIDFile)
	}

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		if err = os.MkdirAll(filepath.Dir(cfg.JournalPath), 0750); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer jrnl.Close()
	}

	eng := engine.New(engine.Config{
		Logger:       logger,
		LogDir:       cfg.LogDir,
		Journal:      jrnl,
		DrainTimeout: cfg.DrainTimeout.Std(),
	})

	defs, err := config.LoadJobDir(cfg.JobDir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := eng.AddDefinition(def); err != nil {
			logger.Warn("Skipping job definition", slog.String("job", def.Name), slog.Any("error", err))
		}
	}
	logger.Info("Loaded job definitions", slog.Int("count", len(defs)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	srv, err := control.NewServer(control.ServerConfig{
		SocketPath: cfg.SocketPath,
		Engine:     eng,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error("Control server failed", slog.Any("error", err))
			cancel()
		}
	}()

	w, err := watcher.New(cfg.JobDir, eng, logger)
	if err != nil {
		// The job directory may not exist yet; run without live reload.
		logger.Warn("Job directory watch disabled", slog.Any("error", err))
	} else {
		go w.Run(ctx)
	}

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("Metrics listener failed", slog.Any("error", err))
			}
		}()
		logger.Info("Metrics endpoint enabled", slog.String("addr", cfg.MetricsListen))
	}

	logger.Info("initd started",
		slog.String("version", version),
		slog.String("socket", cfg.SocketPath),
		slog.String("jobs", cfg.JobDir))

	return engine.Run(ctx, eng)
}
