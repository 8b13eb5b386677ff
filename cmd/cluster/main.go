package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft/metrics"
	"raftkv/internal/raft/server"
)

// Election timeouts of the demo nodes, one per node. Different static values keep split votes away.
var electionTimeouts = []time.Duration{225 * time.Millisecond, 250 * time.Millisecond, 275 * time.Millisecond}

func main() {
	basePort := flag.Int("base-port", 3010, "Port of the first node, the others follow")
	heartbeat := flag.Duration("heartbeat", 50*time.Millisecond, "Interval between leader heartbeats")
	writes := flag.Int("writes", 5, "Number of demo writes")
	logLevel := flag.String("log-level", "warn", "Log level: trace, debug, info, warn, error")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{Name: "cluster", Level: hclog.LevelFromString(*logLevel)})

	fmt.Println("========================================")
	fmt.Println("raftkv in-process cluster")
	fmt.Println("========================================")

	addrs := make([]string, len(electionTimeouts))
	for i := range electionTimeouts {
		addrs[i] = net.JoinHostPort("localhost", strconv.Itoa(*basePort+i))
	}

	events := pubsub.NewPubSub(logger)
	defer events.Shutdown()
	go printEvents(events)

	collectors := make([]*metrics.Metrics, len(addrs))
	servers := make([]*server.Server, len(addrs))
	for i, addr := range addrs {
		cfg := server.DefaultConfig(server.NodeID(addr))
		cfg.Peers = slices.Delete(slices.Clone(addrs), i, i+1)
		cfg.HeartbeatInterval = *heartbeat
		cfg.ElectionTimeout = electionTimeouts[i]
		cfg.Logger = logger
		cfg.PubSub = events
		collectors[i] = metrics.NewMetrics()
		cfg.Metrics = collectors[i]

		srv, err := server.NewServer(cfg, nil)
		if err != nil {
			logger.Error("failed to create node", "addr", addr, "error", err)
			os.Exit(1)
		}
		servers[i] = srv
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Error("node stopped serving", "addr", addr, "error", err)
			}
		}()
		fmt.Printf("node %s started (election timeout %v)\n", addr, electionTimeouts[i])
	}

	defer func() {
		fmt.Println("\nShutting down cluster...")
		for i, srv := range servers {
			srv.GracefulShutdown()
			report := collectors[i].GetReport(addrs[i], len(addrs))
			report.PrintReport(os.Stdout)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("⏳ Waiting for leader election...")
	leader := waitForLeader(ctx, servers)
	if leader == nil {
		fmt.Println("❌ no leader elected")
		return
	}
	fmt.Printf("✓ Leader elected: %s\n\n", leader.Node().ID())

	// writes go through the nodes in turn, followers forward them
	for i := range *writes {
		node := servers[i%len(servers)].Node()
		key, value := fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)
		ok, err := node.Propose(ctx, key, value)
		switch {
		case err != nil:
			fmt.Printf("  ❌ set %s via %s: %v\n", key, node.ID(), err)
		case !ok:
			fmt.Printf("  ❌ set %s via %s not accepted\n", key, node.ID())
		default:
			fmt.Printf("  ✓ set %s=%s via %s\n", key, value, node.ID())
		}
	}

	fmt.Println("\n⏳ Waiting for replication...")
	select {
	case <-time.After(4 * *heartbeat):
	case <-ctx.Done():
	}

	for _, srv := range servers {
		snap, err := srv.Node().State(ctx)
		if err != nil {
			fmt.Printf("%s: %v\n", srv.Node().ID(), err)
			continue
		}
		fmt.Printf("%s %-9s term=%d committed=%v pending=%d\n",
			snap.ID, snap.Role, snap.Term, snap.Committed, len(snap.Pending))
	}

	fmt.Println("\nCluster is running, press Ctrl+C to stop")
	<-ctx.Done()
}

func waitForLeader(ctx context.Context, servers []*server.Server) *server.Server {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)

	for {
		for _, srv := range servers {
			snap, err := srv.Node().State(ctx)
			if err == nil && snap.Role == server.Leader {
				return srv
			}
		}
		select {
		case <-ticker.C:
		case <-timeout:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func printEvents(events *pubsub.PubSubClient) {
	roles := make(chan *pubsub.Event[server.RoleChangedPayload], 32)
	leaders := make(chan *pubsub.Event[server.LeaderChangedPayload], 32)
	commits := make(chan *pubsub.Event[server.ChangesCommittedPayload], 32)
	pubsub.Subscribe(events, server.RoleChanged, roles, pubsub.SubscriptionOptions{})
	pubsub.Subscribe(events, server.LeaderChanged, leaders, pubsub.SubscriptionOptions{})
	pubsub.Subscribe(events, server.ChangesCommitted, commits, pubsub.SubscriptionOptions{})

	for {
		select {
		case ev := <-roles:
			fmt.Printf("  [%s] %s -> %s (term %d)\n", ev.Payload.Node, ev.Payload.From, ev.Payload.To, ev.Payload.Term)
		case ev := <-leaders:
			fmt.Printf("  [%s] follows %s (term %d)\n", ev.Payload.Node, ev.Payload.Leader, ev.Payload.Term)
		case ev := <-commits:
			fmt.Printf("  [%s] committed %d change(s) (term %d)\n", ev.Payload.Node, ev.Payload.Count, ev.Payload.Term)
		}
	}
}
