// Package capacity tracks time-of-day usage windows and daily budget
// consumption, deciding when task admission should pause and emitting
// restoration events when it may resume.
package capacity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
)

// Mode classifies the current wall-clock window.
type Mode string

const (
	ModeDay       Mode = "day"
	ModeNight     Mode = "night"
	ModeOffHours  Mode = "off-hours"
)

// TimeWindow is the current classification of wall time.
type TimeWindow struct {
	Mode      Mode
	StartHour int
	EndHour   int
}

// DailyUsage is a snapshot of the day's resource consumption.
type DailyUsage struct {
	TotalCost float64
}

// UsageStatsProvider supplies the live counters the monitor reasons about.
// Implemented by the Store-backed usage aggregator in production and by
// fakes in tests.
type UsageStatsProvider interface {
	GetCurrentDailyUsage(ctx context.Context) (DailyUsage, error)
	GetActiveTasks(ctx context.Context) (int, error)
	GetDailyBudget(ctx context.Context) (float64, error)
}

// RestorationReason explains why capacity:restored fired.
type RestorationReason string

const (
	ReasonModeSwitch     RestorationReason = "mode_switch"
	ReasonBudgetReset    RestorationReason = "budget_reset"
	ReasonUsageDecreased RestorationReason = "usage_decreased"
)

// RestorationEvent is published when a paused-capacity decision flips to
// not-paused.
type RestorationEvent struct {
	Reason            RestorationReason
	PreviousCapacity  bool // true if tasks were paused before this evaluation
	NewCapacity       bool // true if tasks are paused after this evaluation
	TimeWindow        TimeWindow
	Timestamp         time.Time
}

// RestorationCallback is invoked on capacity:restored. An unsubscribe
// function is returned from OnCapacityRestored.
type RestorationCallback func(RestorationEvent)

// Monitor is the Capacity Monitor component.
type Monitor struct {
	cfg      config.TimeBasedUsageConfig
	usage    UsageStatsProvider
	log      *logger.Logger
	now      func() time.Time

	mu            sync.Mutex
	lastPaused    *bool
	lastDay       int
	lastMode      Mode
	subscribers   []*subscriber
	nextID        int
	timer         *time.Timer
	timerStopped  chan struct{}
}

type subscriber struct {
	id int
	cb RestorationCallback
}

// New constructs a Monitor. now defaults to time.Now when nil (tests may
// override it to control the clock deterministically).
func New(cfg config.TimeBasedUsageConfig, usage UsageStatsProvider, log *logger.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		cfg:  cfg,
		usage: usage,
		log:  log.WithComponent("capacity"),
		now:  now,
	}
}

// classify returns the time window for t. Day and night hour sets may
// overlap; an hour present in both resolves to day.
func (m *Monitor) classify(t time.Time) TimeWindow {
	hour := t.Hour()
	dayHours := m.cfg.DayModeHours
	nightHours := m.cfg.NightModeHours

	if containsHour(dayHours, hour) {
		return TimeWindow{Mode: ModeDay, StartHour: rangeStart(dayHours, hour), EndHour: rangeEnd(dayHours, hour)}
	}
	if containsHour(nightHours, hour) {
		return TimeWindow{Mode: ModeNight, StartHour: rangeStart(nightHours, hour), EndHour: rangeEnd(nightHours, hour)}
	}
	return TimeWindow{Mode: ModeOffHours, StartHour: hour, EndHour: hour}
}

func containsHour(hours []int, h int) bool {
	for _, v := range hours {
		if v == h {
			return true
		}
	}
	return false
}

// rangeStart/rangeEnd find the contiguous run of configured hours (mod 24)
// containing h, so TimeWindow reports a human-meaningful boundary rather
// than just the single matching hour.
func rangeStart(hours []int, h int) int {
	set := toSet(hours)
	cur := h
	for set[(cur-1+24)%24] {
		cur = (cur - 1 + 24) % 24
	}
	return cur
}

func rangeEnd(hours []int, h int) int {
	set := toSet(hours)
	cur := h
	for set[(cur+1)%24] {
		cur = (cur + 1) % 24
	}
	return cur
}

func toSet(hours []int) map[int]bool {
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return set
}

func (m *Monitor) threshold(mode Mode) float64 {
	if mode == ModeNight {
		return m.cfg.NightModeCapacityThreshold
	}
	return m.cfg.DayModeCapacityThreshold
}

func (m *Monitor) concurrencyCap(mode Mode) int {
	if mode == ModeNight {
		return m.cfg.NightModeConcurrencyCap
	}
	return m.cfg.DayModeConcurrencyCap
}

// ShouldPauseTasks reports whether new task admission should be withheld
// at time now.
func (m *Monitor) ShouldPauseTasks(ctx context.Context, now time.Time) (bool, error) {
	window := m.classify(now)
	if window.Mode == ModeOffHours {
		return true, nil
	}

	budget, err := m.usage.GetDailyBudget(ctx)
	if err != nil {
		return false, err
	}
	dailyUsage, err := m.usage.GetCurrentDailyUsage(ctx)
	if err != nil {
		return false, err
	}
	if budget > 0 && dailyUsage.TotalCost/budget >= m.threshold(window.Mode) {
		return true, nil
	}

	active, err := m.usage.GetActiveTasks(ctx)
	if err != nil {
		return false, err
	}
	if cap := m.concurrencyCap(window.Mode); cap > 0 && active > cap {
		return true, nil
	}

	return false, nil
}

// GetTimeUntilModeSwitch returns the duration until the next hour boundary
// that changes the classified mode. Never returns zero — at an exact
// transition it reports the distance to the *next* one.
func (m *Monitor) GetTimeUntilModeSwitch(now time.Time) time.Duration {
	currentMode := m.classify(now).Mode
	// Hour boundaries are the only points where classification can change,
	// so probe at the top of each upcoming hour rather than minute by minute.
	next := now.Truncate(time.Hour).Add(time.Hour)
	for i := 0; i < 24; i++ {
		probe := next.Add(time.Duration(i) * time.Hour)
		if m.classify(probe).Mode != currentMode {
			return probe.Sub(now)
		}
	}
	return 24 * time.Hour
}

// GetTimeUntilBudgetReset returns the duration until the next local
// midnight, DST-correct via the time package's wall-clock arithmetic.
func (m *Monitor) GetTimeUntilBudgetReset(now time.Time) time.Duration {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	d := midnight.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// OnCapacityRestored registers a callback invoked whenever a paused
// decision flips to not-paused. Returns an unsubscribe function. Starts
// the monitor's internal timer on the first subscription and stops it
// when the last subscriber unsubscribes.
func (m *Monitor) OnCapacityRestored(cb RestorationCallback) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers = append(m.subscribers, &subscriber{id: id, cb: cb})
	first := len(m.subscribers) == 1
	m.mu.Unlock()

	if first {
		m.startTimer()
	}

	return func() {
		m.mu.Lock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				break
			}
		}
		last := len(m.subscribers) == 0
		m.mu.Unlock()
		if last {
			m.stopTimer()
		}
	}
}

func (m *Monitor) startTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		return
	}
	now := m.now()
	delay := minDuration(m.GetTimeUntilModeSwitch(now), m.GetTimeUntilBudgetReset(now))
	m.timer = time.AfterFunc(delay, m.onTimerFire)
}

func (m *Monitor) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) onTimerFire() {
	ctx := context.Background()
	_, _ = m.Evaluate(ctx)

	m.mu.Lock()
	hasSubscribers := len(m.subscribers) > 0
	m.mu.Unlock()
	if !hasSubscribers {
		return
	}

	m.mu.Lock()
	now := m.now()
	delay := minDuration(m.GetTimeUntilModeSwitch(now), m.GetTimeUntilBudgetReset(now))
	m.timer = time.AfterFunc(delay, m.onTimerFire)
	m.mu.Unlock()
}

// Evaluate runs one pause decision, compares it to the last observed
// decision, and publishes capacity:restored on a paused→not-paused
// transition. Call this from external triggers as well as the internal
// timer so restoration is detected promptly either way.
func (m *Monitor) Evaluate(ctx context.Context) (bool, error) {
	now := m.now()
	window := m.classify(now)
	paused, err := m.ShouldPauseTasks(ctx, now)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	prevPaused := m.lastPaused
	prevDay := m.lastDay
	prevMode := m.lastMode
	m.lastPaused = &paused
	m.lastDay = now.YearDay()
	m.lastMode = window.Mode
	subs := append([]*subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	if prevPaused != nil && *prevPaused && !paused {
		reason := ReasonUsageDecreased
		if now.YearDay() != prevDay {
			reason = ReasonBudgetReset
		} else if window.Mode != prevMode {
			reason = ReasonModeSwitch
		}

		event := RestorationEvent{
			Reason:           reason,
			PreviousCapacity: *prevPaused,
			NewCapacity:      paused,
			TimeWindow:       window,
			Timestamp:        now,
		}
		for _, s := range subs {
			m.dispatch(s, event)
		}
	}

	return paused, nil
}

// dispatch invokes a subscriber callback, recovering from and logging a
// panic so one misbehaving subscriber never blocks delivery to the rest.
func (m *Monitor) dispatch(s *subscriber, event RestorationEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("capacity:restored subscriber panicked", zap.Any("recover", r))
		}
	}()
	s.cb(event)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
