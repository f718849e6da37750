// Copyright 2024 The Portico Authors
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

// Command porticod runs the portico daemon on a single host: it accepts
// endpoint announcements on a local API, keeps the registry fresh, and
// forwards application requests to healthy endpoints.
//
// Usage:
//
//	porticod -listen 127.0.0.1:7080 -announce-listen 127.0.0.1:7081
//
// Applications send their requests to the routing listener with the target
// service named per the configured extraction policy, and announce their
// own endpoints to the announcement listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/porticolabs/portico/pidfile"
	"github.com/porticolabs/portico/pool"
	"github.com/porticolabs/portico/registry"
	"github.com/porticolabs/portico/resolver"
	"github.com/porticolabs/portico/router"
	"github.com/porticolabs/portico/transport"

	porticometrics "github.com/porticolabs/portico/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "porticod: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	listenAddr     string
	announceAddr   string
	pidPath        string
	extractPolicy  string
	serviceHeader  string
	hostSuffix     string
	pathPrefix     string
	retryBudget    int
	maxPerEndpoint int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	deadGrace      time.Duration
	announceRate   float64
	announceBurst  int
	shutdownGrace  time.Duration
	devLogging     bool
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.listenAddr, "listen", "127.0.0.1:7080", "routing listener address")
	flag.StringVar(&cfg.announceAddr, "announce-listen", "127.0.0.1:7081", "announcement API listener address")
	flag.StringVar(&cfg.pidPath, "pid-file", "", "PID lock file path (empty disables)")
	flag.StringVar(&cfg.extractPolicy, "extract", "header", "service extraction policy: header, host or path")
	flag.StringVar(&cfg.serviceHeader, "service-header", router.DefaultServiceHeader, "header carrying the target service (extract=header)")
	flag.StringVar(&cfg.hostSuffix, "host-suffix", ".local", "host suffix carrying the target service (extract=host)")
	flag.StringVar(&cfg.pathPrefix, "path-prefix", "/svc/", "path prefix carrying the target service (extract=path)")
	flag.IntVar(&cfg.retryBudget, "retry-budget", 2, "additional routing attempts after a transport failure")
	flag.IntVar(&cfg.maxPerEndpoint, "max-conns-per-endpoint", 8, "connection cap per endpoint")
	flag.DurationVar(&cfg.acquireTimeout, "acquire-timeout", 5*time.Second, "bounded wait for a pooled connection (0 fails fast)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", time.Minute, "idle connection lifetime")
	flag.DurationVar(&cfg.sweepInterval, "sweep-interval", time.Second, "registry health sweep interval")
	flag.DurationVar(&cfg.deadGrace, "dead-grace", 30*time.Second, "how long dead endpoints stay visible in snapshots")
	flag.Float64Var(&cfg.announceRate, "announce-rate", 100, "announcement API requests per second")
	flag.IntVar(&cfg.announceBurst, "announce-burst", 200, "announcement API burst allowance")
	flag.DurationVar(&cfg.shutdownGrace, "shutdown-grace", 15*time.Second, "in-flight request drain allowance at shutdown")
	flag.BoolVar(&cfg.devLogging, "dev-logging", false, "human-readable log output")
	flag.Parse()
	return cfg
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func extractPolicy(cfg *config) (router.ExtractPolicy, error) {
	switch cfg.extractPolicy {
	case "header":
		return router.HeaderPolicy{Header: cfg.serviceHeader}, nil
	case "host":
		return router.HostLabelPolicy{Suffix: cfg.hostSuffix}, nil
	case "path":
		return router.PathPrefixPolicy{Prefix: cfg.pathPrefix}, nil
	default:
		return nil, fmt.Errorf("unknown extraction policy %q", cfg.extractPolicy)
	}
}

func run() error {
	cfg := parseFlags()

	logger, err := newLogger(cfg.devLogging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.pidPath != "" {
		lock, err := pidfile.New(cfg.pidPath, pidfile.WithLogger(logger))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	policy, err := extractPolicy(cfg)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	observer := porticometrics.NewPromObserver(promRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.NewRegistry(
		registry.WithRootContext(ctx),
		registry.WithSweepInterval(cfg.sweepInterval),
		registry.WithDeadGrace(cfg.deadGrace),
		registry.WithObserver(observer),
	)
	defer reg.Close()

	connPool := pool.NewPool(transport.NewDialer(),
		pool.WithRootContext(ctx),
		pool.WithMaxPerEndpoint(cfg.maxPerEndpoint),
		pool.WithAcquireTimeout(cfg.acquireTimeout),
		pool.WithIdleTimeout(cfg.idleTimeout),
		pool.WithObserver(observer),
	)

	rt := router.New(resolver.New(reg), reg, connPool,
		router.WithExtractPolicy(policy),
		router.WithRetryBudget(cfg.retryBudget),
		router.WithObserver(observer),
	)

	announceMux := http.NewServeMux()
	announce := newAnnounceServer(reg, logger, cfg.announceRate, cfg.announceBurst)
	announce.registerRoutes(announceMux)
	announceMux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	routeServer := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           rt,
		ReadHeaderTimeout: 10 * time.Second,
	}
	announceServer := &http.Server{
		Addr:              cfg.announceAddr,
		Handler:           announceMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("routing listener up", zap.String("addr", cfg.listenAddr))
		if err := routeServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("announcement listener up", zap.String("addr", cfg.announceAddr))
		if err := announceServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", zap.Duration("grace", cfg.shutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownGrace)
		defer cancel()
		shutdownErr := routeServer.Shutdown(shutdownCtx)
		if err := announceServer.Shutdown(shutdownCtx); shutdownErr == nil {
			shutdownErr = err
		}
		if err := rt.Close(shutdownCtx); shutdownErr == nil {
			shutdownErr = err
		}
		return shutdownErr
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("bye")
	return nil
}
