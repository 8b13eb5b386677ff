package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and latency samples of one node. It implements server.MetricsCollector.
type Metrics struct {
	mu sync.Mutex

	// time from a change being proposed to it being committed by the leader
	commitLatencies []time.Duration
	// time from starting an election to its conclusion, won or lost
	electionDurations []time.Duration

	requestVoteCount      atomic.Uint64
	heartbeatCount        atomic.Uint64
	transportFailureCount atomic.Uint64

	changesCommitted atomic.Uint64
	electionCount    atomic.Uint64
	electionsWon     atomic.Uint64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		commitLatencies:   make([]time.Duration, 0, 1024),
		electionDurations: make([]time.Duration, 0, 64),
		startTime:         time.Now(),
	}
}

// RecordCommandLatency records the propose to commit latency of a single change
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordCommandCommitted() {
	m.changesCommitted.Add(1)
}

// RecordRequestVote counts an outgoing RequestVote RPC
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeat counts an outgoing Heartbeat RPC
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordTransportFailure counts a peer RPC that failed or timed out
func (m *Metrics) RecordTransportFailure() {
	m.transportFailureCount.Add(1)
}

func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

func (m *Metrics) RecordElectionWon() {
	m.electionsWon.Add(1)
}

func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	m.electionDurations = append(m.electionDurations, duration)
	m.mu.Unlock()
}

// LatencyStats contains percentile statistics for a set of durations
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// computeStats sorts samples in place and summarizes them in milliseconds
func computeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i] < samples[j]
	})

	ms := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the pth percentile from sorted data with linear interpolation
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func (m *Metrics) snapshot(src *[]time.Duration) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(*src))
	copy(out, *src)
	return out
}

// GetLatencyStats summarizes the propose to commit latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	return computeStats(m.snapshot(&m.commitLatencies))
}

func (m *Metrics) GetElectionStats() LatencyStats {
	return computeStats(m.snapshot(&m.electionDurations))
}

// GetThroughput returns committed changes per second since the collector was created or reset
func (m *Metrics) GetThroughput() float64 {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.changesCommitted.Load()) / elapsed
}

// Report contains all collected metrics of a node
type Report struct {
	NodeID      string    `json:"node_id"`
	ClusterSize int       `json:"cluster_size"`
	Duration    float64   `json:"duration_seconds"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`

	ChangesCommitted uint64       `json:"changes_committed"`
	ThroughputSec    float64      `json:"throughput_changes_per_sec"`
	CommitLatency    LatencyStats `json:"commit_latency"`

	RequestVoteCount      uint64 `json:"request_vote_count"`
	HeartbeatCount        uint64 `json:"heartbeat_count"`
	TransportFailureCount uint64 `json:"transport_failure_count"`

	ElectionCount uint64       `json:"election_count"`
	ElectionsWon  uint64       `json:"elections_won"`
	ElectionStats LatencyStats `json:"election_stats"`
}

// GetReport generates a report for the node with the given id in a cluster of clusterSize members
func (m *Metrics) GetReport(nodeID string, clusterSize int) Report {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()
	end := time.Now()

	return Report{
		NodeID:                nodeID,
		ClusterSize:           clusterSize,
		Duration:              end.Sub(start).Seconds(),
		StartTime:             start,
		EndTime:               end,
		ChangesCommitted:      m.changesCommitted.Load(),
		ThroughputSec:         m.GetThroughput(),
		CommitLatency:         m.GetLatencyStats(),
		RequestVoteCount:      m.requestVoteCount.Load(),
		HeartbeatCount:        m.heartbeatCount.Load(),
		TransportFailureCount: m.transportFailureCount.Load(),
		ElectionCount:         m.electionCount.Load(),
		ElectionsWon:          m.electionsWon.Load(),
		ElectionStats:         m.GetElectionStats(),
	}
}

func printStats(w io.Writer, s LatencyStats) {
	if s.Count == 0 {
		fmt.Fprintf(w, "  No data collected\n")
		return
	}
	fmt.Fprintf(w, "  Count: %d\n", s.Count)
	fmt.Fprintf(w, "  Min: %.3f ms\n", s.Min)
	fmt.Fprintf(w, "  Mean: %.3f ms\n", s.Mean)
	fmt.Fprintf(w, "  P50: %.3f ms\n", s.P50)
	fmt.Fprintf(w, "  P95: %.3f ms\n", s.P95)
	fmt.Fprintf(w, "  P99: %.3f ms\n", s.P99)
	fmt.Fprintf(w, "  Max: %.3f ms\n", s.Max)
	fmt.Fprintf(w, "  StdDev: %.3f ms\n", s.StdDev)
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	sep := strings.Repeat("-", 60)

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "RAFT NODE REPORT %s\n", r.NodeID)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  Cluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.Duration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "Replication\n")
	fmt.Fprintf(w, "  Changes Committed: %d\n", r.ChangesCommitted)
	fmt.Fprintf(w, "  Throughput: %.2f changes/sec\n", r.ThroughputSec)
	fmt.Fprintf(w, "Commit Latency (propose to commit):\n")
	printStats(w, r.CommitLatency)

	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "RPCs\n")
	fmt.Fprintf(w, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(w, "  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Fprintf(w, "  Transport Failures: %d\n", r.TransportFailureCount)

	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "Elections\n")
	fmt.Fprintf(w, "  Started: %d\n", r.ElectionCount)
	fmt.Fprintf(w, "  Won: %d\n", r.ElectionsWon)
	printStats(w, r.ElectionStats)
	fmt.Fprintln(w, rule)
}

// SaveJSON writes the report to filename
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commitLatencies = make([]time.Duration, 0, 1024)
	m.electionDurations = make([]time.Duration, 0, 64)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.requestVoteCount.Store(0)
	m.heartbeatCount.Store(0)
	m.transportFailureCount.Store(0)
	m.changesCommitted.Store(0)
	m.electionCount.Store(0)
	m.electionsWon.Store(0)
}
