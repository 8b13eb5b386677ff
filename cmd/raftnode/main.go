package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"raftkv/internal/raft/metrics"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/server"
	"raftkv/internal/raft/store"
)

const shutdownGrace = 5 * time.Second

func main() {
	// Command line flags
	host := flag.String("host", "localhost", "Interface to listen on")
	port := flag.Int("port", 3010, "Port to run the node on")
	advertise := flag.String("advertise", "", "Address peers use to reach this node (defaults to host:port)")
	peers := flag.String("peers", "", "Comma separated addresses of the other nodes")
	heartbeat := flag.Duration("heartbeat", server.DefaultHeartbeatInterval, "Interval between leader heartbeats")
	electionTimeout := flag.Duration("election-timeout", server.DefaultElectionTimeout, "Silence tolerated before running for election")
	electionJitter := flag.Duration("election-jitter", 0, "Random extra election wait, 0 keeps the timeout static")
	rpcTimeout := flag.Duration("rpc-timeout", rpc.DefaultRPCTimeout, "Timeout of a single peer RPC")
	dataDir := flag.String("data-dir", "", "Directory for the bbolt store, empty keeps data in memory")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "Log in JSON format")
	metricsReport := flag.Bool("metrics-report", false, "Print a metrics report on shutdown")
	metricsJSON := flag.String("metrics-json", "", "Write the metrics report to this JSON file on shutdown")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "raftnode",
		Level:      hclog.LevelFromString(*logLevel),
		JSONFormat: *logJSON,
	})

	listenAddr := net.JoinHostPort(*host, strconv.Itoa(*port))
	id := *advertise
	if id == "" {
		id = listenAddr
	}

	cfg := server.DefaultConfig(server.NodeID(id))
	cfg.Peers = splitPeers(*peers)
	cfg.HeartbeatInterval = *heartbeat
	cfg.ElectionTimeout = *electionTimeout
	cfg.ElectionJitter = *electionJitter
	cfg.RPCTimeout = *rpcTimeout
	cfg.Logger = logger

	collector := metrics.NewMetrics()
	cfg.Metrics = collector

	if *dataDir != "" {
		if err := os.MkdirAll(*dataDir, 0o755); err != nil {
			logger.Error("failed to create data directory", "dir", *dataDir, "error", err)
			os.Exit(1)
		}
		boltStore, err := store.NewBoltStore(filepath.Join(*dataDir, "committed.db"), logger)
		if err != nil {
			logger.Error("failed to open store", "error", err)
			os.Exit(1)
		}
		cfg.Store = boltStore
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", listenAddr, "error", err)
		closeStore(cfg, logger)
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg, lis)
	if err != nil {
		lis.Close()
		logger.Error("failed to create node", "error", err)
		closeStore(cfg, logger)
		os.Exit(1)
	}
	defer closeStore(cfg, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	// Wait for shutdown signal
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
		shutdown(srv, logger)
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
		srv.ForceShutdown()
	}

	report := collector.GetReport(id, len(cfg.Peers)+1)
	if *metricsReport {
		report.PrintReport(os.Stdout)
	}
	if *metricsJSON != "" {
		if err := report.SaveJSON(*metricsJSON); err != nil {
			logger.Error("failed to save metrics report", "error", err)
		}
	}
	logger.Info("node stopped")
}

// shutdown stops the server gracefully, falling back to a forced stop when pending RPCs take too long
func shutdown(srv *server.Server, logger hclog.Logger) {
	done := make(chan struct{})
	go func() {
		srv.GracefulShutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("graceful shutdown timed out, forcing", "grace", shutdownGrace)
		srv.ForceShutdown()
		<-done
	}
}

// closeStore closes the bbolt store of cfg, if any. Exit paths call it before os.Exit.
func closeStore(cfg server.Config, logger hclog.Logger) {
	if cfg.Store == nil {
		return
	}
	if err := cfg.Store.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

func splitPeers(list string) []string {
	var peers []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
