package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	CommandLatencies       []time.Duration
	CommandsCommittedCount int
	RequestVoteCount       int
	HeartbeatCount         int
	TransportFailureCount  int
	ElectionCount          int
	ElectionsWonCount      int
	ElectionDurations      []time.Duration
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		CommandLatencies:  make([]time.Duration, 0),
		ElectionDurations: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCommittedCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordTransportFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransportFailureCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionWon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionsWonCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

// Committed returns how many commands were recorded as committed
func (m *MockMetricsCollector) Committed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CommandsCommittedCount
}

// Elections returns how many elections were started and how many were won
func (m *MockMetricsCollector) Elections() (started, won int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ElectionCount, m.ElectionsWonCount
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CommandLatencies = make([]time.Duration, 0)
	m.CommandsCommittedCount = 0
	m.RequestVoteCount = 0
	m.HeartbeatCount = 0
	m.TransportFailureCount = 0
	m.ElectionCount = 0
	m.ElectionsWonCount = 0
	m.ElectionDurations = make([]time.Duration, 0)
}
