package rpc

import (
	"sync/atomic"
)

// QueueMetrics counts what a server did with the requests of one queue.
// The zero value is ready to use.
type QueueMetrics struct {
	name string

	received atomic.Int64
	replied  atomic.Int64
	failed   atomic.Int64
	acked    atomic.Int64
	rejected atomic.Int64
}

// NewQueueMetrics creates counters named after the exchange and queue
func NewQueueMetrics(exchange, queue string) *QueueMetrics {
	return &QueueMetrics{name: exchange + "-" + queue}
}

// QueueMetricsSnapshot is a point-in-time copy of the counters
type QueueMetricsSnapshot struct {
	Name     string
	Received int64
	Replied  int64
	Failed   int64
	Acked    int64
	Rejected int64
}

// Snapshot copies the counters
func (m *QueueMetrics) Snapshot() QueueMetricsSnapshot {
	if m == nil {
		return QueueMetricsSnapshot{}
	}
	return QueueMetricsSnapshot{
		Name:     m.name,
		Received: m.received.Load(),
		Replied:  m.replied.Load(),
		Failed:   m.failed.Load(),
		Acked:    m.acked.Load(),
		Rejected: m.rejected.Load(),
	}
}

func (m *QueueMetrics) incReceived() {
	if m != nil {
		m.received.Add(1)
	}
}

func (m *QueueMetrics) incReplied() {
	if m != nil {
		m.replied.Add(1)
	}
}

func (m *QueueMetrics) incFailed() {
	if m != nil {
		m.failed.Add(1)
	}
}

func (m *QueueMetrics) incSettled(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.acked.Add(1)
	} else {
		m.rejected.Add(1)
	}
}
