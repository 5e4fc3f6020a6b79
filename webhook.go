package offline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 signature of a notification body.
const SignatureHeader = "X-Offline-Signature"

// ============================================================================
// Notification types
// ============================================================================

// SystemNotification is raised when queued writes were replayed and no tab
// was visible to show the result.
type SystemNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	// Tag is the referrer of the replayed requests. Activating the
	// notification opens it.
	Tag       string `json:"tag"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

// SystemNotifier delivers system notifications.
type SystemNotifier interface {
	Notify(ctx context.Context, n SystemNotification) error
}

// NotificationHandlerFunc receives verified notifications.
type NotificationHandlerFunc func(n *SystemNotification) error

// ============================================================================
// Signatures
// ============================================================================

// SignPayload returns the "sha256=<hex>" signature of body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature with a constant-time
// comparison. The "sha256=" prefix is optional.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotification parses and validates a raw notification body.
func ParseNotification(body string) (*SystemNotification, error) {
	var n SystemNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	if n.Title == "" {
		return nil, fmt.Errorf("missing title in notification")
	}
	if n.Tag == "" {
		return nil, fmt.Errorf("missing tag in notification")
	}
	return &n, nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier POSTs signed notifications to a desktop relay.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. An empty secret
// sends unsigned requests.
func NewWebhookNotifier(url, secret string, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, httpClient: httpClient}
}

// Notify implements SystemNotifier.
func (w *WebhookNotifier) Notify(ctx context.Context, n SystemNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notification webhook: unexpected status %d", resp.StatusCode)
	}
	notificationsSent.Inc()
	return nil
}

// LogNotifier writes notifications to the log when no relay is configured.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Sugar().Named("notify")}
}

// Notify implements SystemNotifier.
func (l *LogNotifier) Notify(_ context.Context, n SystemNotification) error {
	l.logger.Infow(n.Title, "body", n.Body, "open", n.Tag, "count", n.Count)
	notificationsSent.Inc()
	return nil
}

// ============================================================================
// NotificationReceiver
// ============================================================================

// NotificationReceiver is the relay side: it verifies, parses and dispatches
// notifications posted by a WebhookNotifier.
type NotificationReceiver struct {
	secret   string
	onNotify NotificationHandlerFunc
}

// NewNotificationReceiver creates a receiver.
func NewNotificationReceiver(secret string, onNotify NotificationHandlerFunc) (*NotificationReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &NotificationReceiver{secret: secret, onNotify: onNotify}, nil
}

// Handle verifies and dispatches one request body. It returns the status
// code and response body for the caller to write.
func (nr *NotificationReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, nr.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	n, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := nr.onNotify(n); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (nr *NotificationReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}

	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	writeJSON(nr.Handle(string(bodyBytes), r.Header.Get(SignatureHeader)))
}
