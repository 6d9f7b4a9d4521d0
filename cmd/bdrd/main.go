package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decibel/bdr/pkg/config"
	"github.com/decibel/bdr/pkg/ddllock"
	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/sequencer"
	"github.com/decibel/bdr/pkg/store"
	"github.com/decibel/bdr/pkg/transport"
	"github.com/decibel/bdr/pkg/worker"
)

func main() {
	configPath := flag.String("config", "bdr.yaml", "Node configuration file")
	database := flag.String("database", "app", "Database this node replicates")
	sequences := flag.String("sequences", "", "Comma-separated sequence ids to manage")
	metricsAddr := flag.String("metrics", ":9187", "Prometheus metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.DefaultLogger().With(logging.Node(cfg.NodeName))
	logger.Info("starting bdr node",
		logging.String("origin", cfg.LocalOrigin.String()),
		logging.Int("peers", len(cfg.Peers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Coordination state is durable or the node does not come up; there
	// is no silent in-memory fallback.
	pg, err := store.NewPGStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer pg.Close()

	peerAddrs := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerAddrs = append(peerAddrs, p.BusAddr)
	}
	bus, err := transport.NewBusTransport(cfg.LocalOrigin, cfg.BusListenAddr, peerAddrs, logger)
	if err != nil {
		log.Fatalf("Failed to start peer bus: %v", err)
	}
	defer bus.Close()

	reg := metrics.DefaultRegistry()
	registry := worker.NewRegistry(cfg.MaxWorkers, logger, reg)
	voter := sequencer.NewVoter(cfg, pg, bus, logger, reg)
	locks := ddllock.NewManager(cfg, pg, bus, logger, reg)

	for _, seqID := range splitList(*sequences) {
		if err := voter.RegisterSequence(ctx, seqID); err != nil {
			log.Fatalf("Failed to register sequence %s: %v", seqID, err)
		}
	}

	coordinator := worker.NewPerDBCoordinator(cfg, registry, voter, locks, bus, logger)
	if err := coordinator.Start(ctx, *database); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Warn("metrics endpoint failed", logging.Error(err))
		}
	}()

	fmt.Printf("bdr node %s started\n", cfg.NodeName)
	fmt.Printf("  origin:  %s\n", cfg.LocalOrigin)
	fmt.Printf("  bus:     %s\n", cfg.BusListenAddr)
	fmt.Printf("  metrics: %s/metrics\n", *metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	coordinator.Stop()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
