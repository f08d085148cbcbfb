// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package aria2

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	healthCheckInterval = 15 * time.Second
	healthCheckTimeout  = 5 * time.Second

	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute
)

// Prober is the subset of Client the monitor needs.
type Prober interface {
	TestConnection(ctx context.Context) bool
}

// Monitor tracks whether the daemon is reachable and applies exponential
// backoff between reconnection attempts.
type Monitor struct {
	prober Prober

	mu        sync.RWMutex
	connected bool
	attempts  int
	nextRetry time.Time
	lastErr   error
	listeners []func(connected bool)

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func NewMonitor(prober Prober) *Monitor {
	return &Monitor{
		prober:    prober,
		connected: true,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// OnChange registers a callback fired when connectivity flips.
func (m *Monitor) OnChange(fn func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Monitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// InBackoff reports whether callers should skip daemon traffic for now.
func (m *Monitor) InBackoff() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.connected && m.now().Before(m.nextRetry)
}

// RecordFailure marks the daemon disconnected and schedules the next retry.
func (m *Monitor) RecordFailure(err error) {
	m.markFailed(err, true)
}

// markFailed records a failure. Without escalate the current backoff is kept,
// only starting one if none is running.
func (m *Monitor) markFailed(err error, escalate bool) {
	m.mu.Lock()
	if escalate || m.attempts == 0 {
		m.attempts++
		m.nextRetry = m.now().Add(calculateBackoff(m.attempts, initialBackoff, maxBackoff))
	}
	m.lastErr = err
	changed := m.connected
	m.connected = false
	listeners := append([]func(bool){}, m.listeners...)
	attempts := m.attempts
	retryIn := m.nextRetry.Sub(m.now())
	m.mu.Unlock()

	log.Debug().Err(err).Int("attempts", attempts).Dur("backoffDuration", retryIn).Msg("aria2 unreachable, applying backoff")

	if changed {
		log.Warn().Err(err).Msg("Lost connection to aria2")
		notify(listeners, false)
	}
}

// RecordSuccess clears failure tracking.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	changed := !m.connected
	m.connected = true
	m.attempts = 0
	m.lastErr = nil
	m.nextRetry = time.Time{}
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		log.Info().Msg("Connection to aria2 restored")
		notify(listeners, true)
	}
}

// Probe runs a connection test now, regardless of backoff. A failed probe marks
// the daemon disconnected without lengthening the backoff.
func (m *Monitor) Probe(ctx context.Context) bool {
	return m.probe(ctx, false)
}

func (m *Monitor) probe(ctx context.Context, escalate bool) bool {
	ok := m.prober.TestConnection(ctx)
	if ok {
		m.RecordSuccess()
	} else {
		m.markFailed(ErrProbeFailed, escalate)
	}
	return ok
}

// Start probes periodically while the daemon is disconnected.
func (m *Monitor) Start(ctx context.Context) {
	m.ticker = time.NewTicker(healthCheckInterval)
	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.ticker.C:
				if m.Connected() || m.InBackoff() {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
				m.probe(probeCtx, true)
				cancel()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
	})
}

func notify(listeners []func(bool), connected bool) {
	for _, fn := range listeners {
		fn(connected)
	}
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}
