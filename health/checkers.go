package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/rpc"
)

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// ProviderChecker opens and closes a channel to prove the broker is reachable
type ProviderChecker struct {
	provider messaging.ChannelProvider
	timeout  time.Duration
}

// NewProviderChecker creates a checker that gives up after timeout
func NewProviderChecker(provider messaging.ChannelProvider, timeout time.Duration) *ProviderChecker {
	return &ProviderChecker{provider: provider, timeout: timeout}
}

func (c *ProviderChecker) Name() string {
	return "rabbitmq"
}

func (c *ProviderChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch, err := c.provider.Acquire(ctx)
	result.Duration = time.Since(result.Timestamp)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "broker is reachable"
	return result
}

// Stateful is anything that reports a session state, such as rpc.Server and rpc.Client
type Stateful interface {
	State() messaging.SessionState
}

// SessionChecker maps a session state to a status: connected is healthy,
// reconnecting degraded, anything else unhealthy
type SessionChecker struct {
	name    string
	session Stateful
}

// NewSessionChecker creates a checker named name
func NewSessionChecker(name string, session Stateful) *SessionChecker {
	return &SessionChecker{name: name, session: session}
}

func (c *SessionChecker) Name() string {
	return c.name
}

func (c *SessionChecker) Check(context.Context) CheckResult {
	result := newResult(c.name)

	state := c.session.State()
	result.Details["state"] = state.String()
	switch state {
	case messaging.StateConnected:
		result.Status = StatusHealthy
	case messaging.StateReconnecting:
		result.Status = StatusDegraded
	default:
		result.Status = StatusUnhealthy
	}
	result.Message = "session is " + state.String()
	result.Duration = time.Since(result.Timestamp)
	return result
}

// MetricsSource is implemented by rpc.Server
type MetricsSource interface {
	Metrics() rpc.QueueMetricsSnapshot
}

// FailureRateChecker is degraded when the share of failed requests exceeds
// warning and unhealthy beyond critical
type FailureRateChecker struct {
	source   MetricsSource
	warning  float64
	critical float64
}

// NewFailureRateChecker creates a checker with ratios between 0 and 1
func NewFailureRateChecker(source MetricsSource, warning, critical float64) *FailureRateChecker {
	return &FailureRateChecker{source: source, warning: warning, critical: critical}
}

func (c *FailureRateChecker) Name() string {
	return "failure-rate"
}

func (c *FailureRateChecker) Check(context.Context) CheckResult {
	result := newResult(c.Name())

	m := c.source.Metrics()
	result.Details["queue"] = m.Name
	result.Details["received"] = m.Received
	result.Details["failed"] = m.Failed
	result.Details["rejected"] = m.Rejected

	var ratio float64
	if m.Received > 0 {
		ratio = float64(m.Failed) / float64(m.Received)
	}
	result.Details["failureRate"] = ratio

	switch {
	case ratio > c.critical:
		result.Status = StatusUnhealthy
	case ratio > c.warning:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}
	result.Message = fmt.Sprintf("%.1f%% of requests failed", ratio*100)
	result.Duration = time.Since(result.Timestamp)
	return result
}

// GoroutineChecker watches the goroutine count
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(context.Context) CheckResult {
	result := newResult(c.Name())

	n := runtime.NumGoroutine()
	result.Details["goroutines"] = n
	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}
