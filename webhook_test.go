package offline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestNotification() SystemNotification {
	return SystemNotification{
		Title:     notificationTitle,
		Body:      "2 reviews were sent",
		Icon:      "/img/icons/icon-256.png",
		Tag:       "http://localhost:8080/restaurant.html?id=3",
		Count:     2,
		Timestamp: 1700000000000,
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestNotification())
	return string(b)
}

// ============================================================================
// Signatures
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifySignature(body, makeTestSignature(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		assert.True(t, VerifySignature(body, sig, testSecret))
	})

	t.Run("matches SignPayload", func(t *testing.T) {
		assert.Equal(t, makeTestSignature(body, testSecret), SignPayload([]byte(body), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(body, makeTestSignature(body, "other"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, VerifySignature(body+" ", sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		sig := makeTestSignature(body, testSecret)
		assert.False(t, VerifySignature("", sig, testSecret))
		assert.False(t, VerifySignature(body, "", testSecret))
		assert.False(t, VerifySignature(body, sig, ""))
		assert.False(t, VerifySignature(body, "sha256=", testSecret))
	})
}

func TestParseNotification(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		n, err := ParseNotification(makeTestPayloadString())
		require.NoError(t, err)
		assert.Equal(t, makeTestNotification(), *n)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseNotification("{not json")
		assert.Error(t, err)
	})

	t.Run("missing title", func(t *testing.T) {
		_, err := ParseNotification(`{"tag":"http://localhost:8080/"}`)
		assert.ErrorContains(t, err, "title")
	})

	t.Run("missing tag", func(t *testing.T) {
		_, err := ParseNotification(`{"title":"Restaurant Reviews"}`)
		assert.ErrorContains(t, err, "tag")
	})
}

// ============================================================================
// NotificationReceiver
// ============================================================================

func TestNotificationReceiver(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		_, err := NewNotificationReceiver("", func(*SystemNotification) error { return nil })
		assert.Error(t, err)
	})

	t.Run("handle dispatches verified notification", func(t *testing.T) {
		var got *SystemNotification
		nr, err := NewNotificationReceiver(testSecret, func(n *SystemNotification) error {
			got = n
			return nil
		})
		require.NoError(t, err)

		body := makeTestPayloadString()
		status, _ := nr.Handle(body, makeTestSignature(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Count)
	})

	t.Run("handle rejects bad signature", func(t *testing.T) {
		called := false
		nr, _ := NewNotificationReceiver(testSecret, func(*SystemNotification) error {
			called = true
			return nil
		})
		status, _ := nr.Handle(makeTestPayloadString(), "sha256=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.False(t, called)
	})

	t.Run("handle reports callback error", func(t *testing.T) {
		nr, _ := NewNotificationReceiver(testSecret, func(*SystemNotification) error { return errors.New("boom") })
		body := makeTestPayloadString()
		status, resp := nr.Handle(body, makeTestSignature(body, testSecret))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, map[string]string{"error": "boom"}, resp)
	})

	t.Run("ServeHTTP rejects GET", func(t *testing.T) {
		nr, _ := NewNotificationReceiver(testSecret, func(*SystemNotification) error { return nil })
		rec := httptest.NewRecorder()
		nr.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

// ============================================================================
// WebhookNotifier
// ============================================================================

func TestWebhookNotifier(t *testing.T) {
	t.Run("delivers to receiver", func(t *testing.T) {
		received := make(chan *SystemNotification, 1)
		nr, err := NewNotificationReceiver(testSecret, func(n *SystemNotification) error {
			received <- n
			return nil
		})
		require.NoError(t, err)
		srv := httptest.NewServer(nr)
		defer srv.Close()

		notifier := NewWebhookNotifier(srv.URL, testSecret, srv.Client())
		require.NoError(t, notifier.Notify(context.Background(), makeTestNotification()))

		got := <-received
		assert.Equal(t, makeTestNotification(), *got)
	})

	t.Run("unsigned request is refused", func(t *testing.T) {
		nr, _ := NewNotificationReceiver(testSecret, func(*SystemNotification) error { return nil })
		srv := httptest.NewServer(nr)
		defer srv.Close()

		notifier := NewWebhookNotifier(srv.URL, "", srv.Client())
		err := notifier.Notify(context.Background(), makeTestNotification())
		assert.ErrorContains(t, err, "401")
	})

	t.Run("signs with header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, SignPayload(body, testSecret), r.Header.Get(SignatureHeader))
			rw.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		require.NoError(t, NewWebhookNotifier(srv.URL, testSecret, nil).Notify(context.Background(), makeTestNotification()))
	})
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(nil).Notify(context.Background(), makeTestNotification()))
}
