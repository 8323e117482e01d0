// Package stability flags devices that keep failing within a sliding window.
package stability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/LabAgent/internal/storage"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 10 * time.Minute
)

// EventStore persists failure events so the window survives agent restarts.
type EventStore interface {
	RecordStabilityEvent(ctx context.Context, serial, reason string, at time.Time) error
	StabilityEventsSince(ctx context.Context, since time.Time) ([]storage.StabilityEvent, error)
}

// Monitor counts failures per device serial; a device with at least
// Threshold failures inside Window is unstable.
type Monitor struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	records   map[string][]time.Time
	store     EventStore
	now       func() time.Time
}

type Option func(*Monitor)

// WithStore persists every reported failure.
func WithStore(store EventStore) Option {
	return func(m *Monitor) { m.store = store }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(threshold int, window time.Duration, opts ...Option) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Monitor{
		threshold: threshold,
		window:    window,
		records:   make(map[string][]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore reloads the failures still inside the window from the store.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	events, err := m.store.StabilityEventsSince(ctx, m.now().Add(-m.window))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		serial := strings.TrimSpace(ev.Serial)
		if serial == "" {
			continue
		}
		m.records[serial] = append(m.records[serial], ev.CreatedAt)
	}
	log.Debug().Int("events", len(events)).Msg("stability: restored failure window")
	return nil
}

// ReportFailure records one failure for serial.
func (m *Monitor) ReportFailure(serial, reason string) {
	serial = strings.TrimSpace(serial)
	if m == nil || serial == "" {
		return
	}
	now := m.now()
	m.mu.Lock()
	list := append(m.pruneLocked(serial, now), now)
	m.records[serial] = list
	count := len(list)
	m.mu.Unlock()

	event := log.Debug()
	if count >= m.threshold {
		event = log.Warn()
	}
	event.Str("serial", serial).Str("reason", reason).Int("failures", count).
		Dur("window", m.window).Msg("stability: device failure reported")

	if m.store != nil {
		if err := m.store.RecordStabilityEvent(context.Background(), serial, reason, now); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("stability: persist failure event failed")
		}
	}
}

// IsUnstable reports whether serial reached the failure threshold.
func (m *Monitor) IsUnstable(serial string) bool {
	return m.Failures(serial) >= m.threshold
}

// Failures returns the number of failures for serial inside the window.
func (m *Monitor) Failures(serial string) int {
	serial = strings.TrimSpace(serial)
	if m == nil || serial == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pruneLocked(serial, m.now()))
}

func (m *Monitor) pruneLocked(serial string, now time.Time) []time.Time {
	list := m.records[serial]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-m.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	if len(list) == 0 {
		delete(m.records, serial)
		return nil
	}
	m.records[serial] = list
	return list
}
