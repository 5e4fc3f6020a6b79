package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	t.Run("starts online", func(t *testing.T) {
		m := NewMonitor(testAPIOrigin, time.Second, offlineTransport, nil)
		assert.True(t, m.Online())
	})

	t.Run("health check records reachability", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		m := NewMonitor(srv.URL, time.Second, nil, nil)
		m.Set(false)
		assert.True(t, m.Probe(context.Background()), "any response means reachable")
		assert.True(t, m.Online())

		down := NewMonitor(srv.URL, time.Second, offlineTransport, nil)
		assert.False(t, down.Probe(context.Background()))
		assert.False(t, down.Online())
	})

	t.Run("listeners fire on transitions only", func(t *testing.T) {
		m := NewMonitor(testAPIOrigin, time.Second, offlineTransport, nil)
		var changes []bool
		m.OnChange(func(online bool) { changes = append(changes, online) })
		m.OnChange(func(bool) { panic("listener bug") })

		m.Set(true)
		m.Set(false)
		m.Set(false)
		m.Set(true)
		assert.Equal(t, []bool{false, true}, changes)
	})

	t.Run("recheck runs a check immediately", func(t *testing.T) {
		var checks atomic.Int32
		transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
			checks.Add(1)
			return textResponse(http.StatusOK, "ok"), nil
		})
		m := NewMonitor(testAPIOrigin+"/restaurants", time.Hour, transport, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			m.Run(ctx)
		}()

		require.Eventually(t, func() bool { return checks.Load() == 1 }, time.Second, 5*time.Millisecond)
		m.Recheck()
		require.Eventually(t, func() bool { return checks.Load() == 2 }, time.Second, 5*time.Millisecond)

		cancel()
		<-done
	})
}
