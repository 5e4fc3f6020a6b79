package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

var errOffline = errors.New("dial tcp: connection refused")

// offlineTransport fails every request.
var offlineTransport = roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, errOffline })

// recordingNotifier stands in for the tab hub.
type recordingNotifier struct {
	mu      sync.Mutex
	events  []Event
	visible bool
	err     error
}

func (n *recordingNotifier) Send(_ context.Context, ev Event) ([]Reply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil, nil
}

func (n *recordingNotifier) IsVisible(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visible, n.err
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func (n *recordingNotifier) count(ev Event) int {
	c := 0
	for _, e := range n.Events() {
		if e == ev {
			c++
		}
	}
	return c
}

// recordingSystem collects system notifications.
type recordingSystem struct {
	mu   sync.Mutex
	sent []SystemNotification
}

func (s *recordingSystem) Notify(_ context.Context, n SystemNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSystem) Sent() []SystemNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SystemNotification(nil), s.sent...)
}

const (
	testAppOrigin = "http://app.test"
	testAPIOrigin = "http://api.test"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Worker.AppOrigin = testAppOrigin
	cfg.Worker.APIOrigin = testAPIOrigin
	cfg.Precache.CacheSizeMB = 8
	cfg.Sync.FetchTimeout = Duration(2 * time.Second)
	cfg.Sync.ReplayTimeout = Duration(2 * time.Second)
	return cfg
}

// offlineMonitor returns a monitor already marked offline.
func offlineMonitor() *Monitor {
	m := NewMonitor(testAPIOrigin+"/restaurants", time.Second, offlineTransport, nil)
	m.Set(false)
	return m
}
