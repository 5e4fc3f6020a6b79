package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Notifier broadcasts events to every connected tab.
type Notifier interface {
	// Send delivers event to every tab and waits for each to acknowledge.
	Send(ctx context.Context, event Event) ([]Reply, error)
	// IsVisible reports whether any tab is currently visible.
	IsVisible(ctx context.Context) (bool, error)
}

// ActionHandler handles actions sent by tabs.
type ActionHandler interface {
	HandleAction(ctx context.Context, tabID string, action ActionMessage) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, tabID string, action ActionMessage) error

func (f ActionHandlerFunc) HandleAction(ctx context.Context, tabID string, action ActionMessage) error {
	return f(ctx, tabID, action)
}

// ErrTabGone is reported for tabs that disconnect before acknowledging.
var ErrTabGone = errors.New("offline: tab disconnected")

// ============================================================================
// Hub
// ============================================================================

type hubTab struct {
	id   string
	seq  uint64
	conn *websocket.Conn
}

type pendingReply struct {
	tabID string
	ch    chan Reply
}

// Hub is the worker side of the cross-tab channel. Each WebSocket connection
// accepted by ServeHTTP is one tab.
type Hub struct {
	replyTimeout   time.Duration
	originPatterns []string
	logger         *zap.SugaredLogger

	mu      sync.RWMutex
	tabs    map[string]*hubTab
	actions ActionHandler
	connect func(ctx context.Context, tabID string)
	seq     uint64

	pendingMu sync.Mutex
	pending   map[string]pendingReply
	msgSeq    atomic.Uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithReplyTimeout bounds how long Send waits for each tab.
func WithReplyTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.replyTimeout = d }
}

// WithOriginPatterns allows cross-origin tabs matching the host patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger.Sugar().Named("hub") }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		replyTimeout: 5 * time.Second,
		logger:       zap.NewNop().Sugar(),
		tabs:         make(map[string]*hubTab),
		pending:      make(map[string]pendingReply),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetActionHandler installs the handler for tab actions.
func (h *Hub) SetActionHandler(a ActionHandler) {
	h.mu.Lock()
	h.actions = a
	h.mu.Unlock()
}

// SetConnectHandler installs fn to run, in its own goroutine, for every tab
// that connects. ctx ends when the tab disconnects.
func (h *Hub) SetConnectHandler(fn func(ctx context.Context, tabID string)) {
	h.mu.Lock()
	h.connect = fn
	h.mu.Unlock()
}

// Tabs returns the number of connected tabs.
func (h *Hub) Tabs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// ServeHTTP upgrades the request and serves one tab until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warnw("websocket accept failed", "error", err)
		return
	}
	t := h.register(conn)
	defer h.unregister(t)

	ctx := r.Context()
	h.mu.RLock()
	connect := h.connect
	h.mu.RUnlock()
	if connect != nil {
		go connect(ctx, t.id)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				h.logger.Debugw("tab read ended", "tab", t.id, "error", err)
			}
			return
		}
		in, err := decodeInbound(data)
		if err != nil {
			h.logger.Warnw("rejected tab frame", "tab", t.id, "error", err)
			continue
		}
		if in.ReplyTo != "" {
			h.resolve(in.reply())
			continue
		}
		go h.dispatch(context.WithoutCancel(ctx), t.id, in.action())
	}
}

func (h *Hub) register(conn *websocket.Conn) *hubTab {
	h.mu.Lock()
	h.seq++
	t := &hubTab{id: uuid.NewString(), seq: h.seq, conn: conn}
	h.tabs[t.id] = t
	n := len(h.tabs)
	h.mu.Unlock()
	connectedTabs.Set(float64(n))
	h.logger.Infow("tab connected", "tab", t.id, "tabs", n)
	return t
}

func (h *Hub) unregister(t *hubTab) {
	h.mu.Lock()
	delete(h.tabs, t.id)
	n := len(h.tabs)
	h.mu.Unlock()
	connectedTabs.Set(float64(n))
	t.conn.Close(websocket.StatusNormalClosure, "")

	h.pendingMu.Lock()
	for id, p := range h.pending {
		if p.tabID == t.id {
			delete(h.pending, id)
			p.ch <- Reply{ReplyTo: id, Error: ErrTabGone.Error()}
		}
	}
	h.pendingMu.Unlock()
	h.logger.Infow("tab disconnected", "tab", t.id, "tabs", n)
}

func (h *Hub) dispatch(ctx context.Context, tabID string, a ActionMessage) {
	h.mu.RLock()
	handler := h.actions
	h.mu.RUnlock()
	if handler == nil {
		h.logger.Warnw("no action handler installed", "action", a.Action)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("action handler panicked", "action", a.Action, "panic", r)
		}
	}()
	if err := handler.HandleAction(ctx, tabID, a); err != nil {
		h.logger.Warnw("action failed", "tab", tabID, "action", a.Action, "error", err)
	}
}

func (h *Hub) resolve(r Reply) {
	h.pendingMu.Lock()
	p, ok := h.pending[r.ReplyTo]
	if ok {
		delete(h.pending, r.ReplyTo)
	}
	h.pendingMu.Unlock()
	if ok {
		p.ch <- r
	}
}

func (h *Hub) snapshot() []*hubTab {
	h.mu.RLock()
	tabs := make([]*hubTab, 0, len(h.tabs))
	for _, t := range h.tabs {
		tabs = append(tabs, t)
	}
	h.mu.RUnlock()
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].seq < tabs[j].seq })
	return tabs
}

// Send delivers event to every connected tab, each over its own reply id,
// and returns the replies in connection order. It returns once every tab
// acknowledged, timed out, or disconnected.
func (h *Hub) Send(ctx context.Context, event Event) ([]Reply, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: event %q", ErrInvalidMessage, event)
	}
	tabs := h.snapshot()
	replies := make([]Reply, len(tabs))
	errs := make([]error, len(tabs))

	var wg sync.WaitGroup
	for i, t := range tabs {
		wg.Add(1)
		go func(i int, t *hubTab) {
			defer wg.Done()
			replies[i], errs[i] = h.sendTo(ctx, t, event)
		}(i, t)
	}
	wg.Wait()
	return replies, errors.Join(errs...)
}

// SendTo delivers event to one tab and waits for its reply.
func (h *Hub) SendTo(ctx context.Context, tabID string, event Event) (Reply, error) {
	if !event.Valid() {
		return Reply{}, fmt.Errorf("%w: event %q", ErrInvalidMessage, event)
	}
	h.mu.RLock()
	t, ok := h.tabs[tabID]
	h.mu.RUnlock()
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", ErrTabGone, tabID)
	}
	return h.sendTo(ctx, t, event)
}

func (h *Hub) sendTo(ctx context.Context, t *hubTab, event Event) (Reply, error) {
	id := fmt.Sprintf("%s-%d", event, h.msgSeq.Add(1))
	ch := make(chan Reply, 1)
	h.pendingMu.Lock()
	h.pending[id] = pendingReply{tabID: t.id, ch: ch}
	h.pendingMu.Unlock()

	forget := func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}

	data, err := json.Marshal(Message{ID: id, Event: event})
	if err != nil {
		forget()
		return Reply{}, err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return Reply{}, fmt.Errorf("tab %s: %w", t.id, err)
	}

	timer := time.NewTimer(h.replyTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.Error != "" {
			return r, fmt.Errorf("tab %s: %s", t.id, r.Error)
		}
		return r, nil
	case <-timer.C:
		forget()
		return Reply{ReplyTo: id}, fmt.Errorf("tab %s: no reply to %s within %s", t.id, event, h.replyTimeout)
	case <-ctx.Done():
		forget()
		return Reply{ReplyTo: id}, ctx.Err()
	}
}

// IsVisible asks every tab whether it is visible and returns true when any
// tab answers true. With no tabs connected it returns false.
func (h *Hub) IsVisible(ctx context.Context) (bool, error) {
	replies, err := h.Send(ctx, EventIsVisible)
	answered := 0
	for _, r := range replies {
		if r.Error != "" || len(r.Data) == 0 {
			continue
		}
		var visible bool
		if json.Unmarshal(r.Data, &visible) != nil {
			continue
		}
		answered++
		if visible {
			return true, nil
		}
	}
	if answered == 0 && err != nil {
		return false, err
	}
	return false, nil
}

// Close disconnects every tab.
func (h *Hub) Close() error {
	for _, t := range h.snapshot() {
		t.conn.Close(websocket.StatusGoingAway, "worker shutting down")
	}
	return nil
}
