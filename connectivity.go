package offline

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Monitor tracks whether the backend is reachable. It starts online, is
// corrected by periodic probes, and can be nudged by callers that observe a
// transport failure.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *zap.SugaredLogger

	online atomic.Bool
	kick   chan struct{}

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewMonitor creates a monitor that probes probeURL every interval through
// transport. A nil transport uses http.DefaultTransport.
func NewMonitor(probeURL string, interval time.Duration, transport http.RoundTripper, logger *zap.Logger) *Monitor {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Transport: transport, Timeout: interval},
		logger:   logger.Sugar().Named("connectivity"),
		kick:     make(chan struct{}, 1),
	}
	m.online.Store(true)
	onlineGauge.Set(1)
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool { return m.online.Load() }

// OnChange registers fn to run on every transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Set records a state and notifies listeners when it changed.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		onlineGauge.Set(1)
		m.logger.Infow("backend reachable")
	} else {
		onlineGauge.Set(0)
		m.logger.Warnw("backend unreachable")
	}

	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() { recover() }()
			fn(online)
		}()
	}
}

// Recheck asks the run loop to probe now.
func (m *Monitor) Recheck() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Probe performs one reachability check and records the result. Any HTTP
// response counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.Set(false)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debugw("probe failed", "url", m.probeURL, "error", err)
		m.Set(false)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	m.Set(true)
	return true
}

// Run probes until ctx ends. While offline, probes back off exponentially
// from one second up to the regular interval.
func (m *Monitor) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = m.interval
	b.MaxElapsedTime = 0

	for {
		delay := m.interval
		if m.Probe(ctx) {
			b.Reset()
		} else if next := b.NextBackOff(); next != backoff.Stop && next < delay {
			delay = next
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}
