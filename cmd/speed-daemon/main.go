package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/protohackers/speed-daemon/internal/config"
	"github.com/protohackers/speed-daemon/internal/metrics"
	"github.com/protohackers/speed-daemon/internal/server"
	"github.com/protohackers/speed-daemon/internal/ticketing"
)

func main() {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if showVersion {
		fmt.Printf("speed-daemon %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	engine := ticketing.New(cfg.EngineBuffer)
	defer engine.Close()

	srv := server.NewServer(engine,
		server.WithListenAddr(cfg.ListenAddr),
		server.WithLogger(l),
		server.WithMaxClients(cfg.MaxClients),
		server.WithReadIdleTimeout(cfg.ReadIdleTimeout),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)

	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.MDNSEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		addr := srv.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			if lastColon := strings.LastIndex(addr, ":"); lastColon >= 0 {
				if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	wg.Wait()
}
