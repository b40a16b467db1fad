// Package health runs the daemon's self-supervision: periodic health
// checks, uptime and memory reporting, and a bounded restart history.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
)

// maxRestartHistory bounds the in-memory restart log so a long-running
// daemon never grows this unbounded.
const maxRestartHistory = 50

// Restart records one observed process restart.
type Restart struct {
	At     time.Time
	Reason string
}

// Status is a point-in-time snapshot of daemon health.
type Status struct {
	Running         bool
	StartedAt       time.Time
	UptimeSeconds   int64
	AllocBytes      uint64
	SysBytes        uint64
	NumGoroutine    int
	LastCheckAt     time.Time
	RestartCount    int
	RecentRestarts  []Restart
}

// CheckFunc is an additional probe run on every tick; a non-nil error marks
// the check unhealthy without stopping the Monitor.
type CheckFunc func(ctx context.Context) error

// Monitor periodically samples process health and keeps a bounded restart
// history across daemon lifetimes (callers persist/restore it externally
// if restart history should survive a process restart).
type Monitor struct {
	interval time.Duration
	checks   []CheckFunc
	log      *logger.Logger

	mu        sync.RWMutex
	startedAt time.Time
	running   bool
	lastCheck time.Time
	restarts  []Restart

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. interval <= 0 disables the background ticker;
// Check can still be invoked directly.
func New(interval time.Duration, log *logger.Logger, checks ...CheckFunc) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		interval: interval,
		checks:   checks,
		log:      log.WithComponent("health"),
	}
}

// Start marks the monitor running and, if an interval was configured,
// launches the periodic check loop. Safe to call once; a second call is a
// no-op until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.startedAt = time.Now()
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if m.interval <= 0 {
		return
	}

	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs every configured probe once and records the observation
// time. A failing probe is logged at warn but never stops the monitor.
func (m *Monitor) Check(ctx context.Context) {
	for _, check := range m.checks {
		if err := check(ctx); err != nil {
			m.log.Warn("health check failed", zap.Error(err))
		}
	}
	m.mu.Lock()
	m.lastCheck = time.Now()
	m.mu.Unlock()
}

// Stop halts the background loop. The monitor is left in the stopped
// state; Start may be called again to resume.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	m.wg.Wait()
}

// RecordRestart appends a restart observation, trimming the oldest entry
// once the history exceeds maxRestartHistory.
func (m *Monitor) RecordRestart(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, Restart{At: time.Now(), Reason: reason})
	if len(m.restarts) > maxRestartHistory {
		m.restarts = m.restarts[len(m.restarts)-maxRestartHistory:]
	}
}

// GetStatus returns a snapshot of current health.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var uptime int64
	if m.running {
		uptime = int64(time.Since(m.startedAt).Seconds())
	}

	restarts := append([]Restart(nil), m.restarts...)
	return Status{
		Running:        m.running,
		StartedAt:      m.startedAt,
		UptimeSeconds:  uptime,
		AllocBytes:     memStats.Alloc,
		SysBytes:       memStats.Sys,
		NumGoroutine:   runtime.NumGoroutine(),
		LastCheckAt:    m.lastCheck,
		RestartCount:   len(restarts),
		RecentRestarts: restarts,
	}
}
