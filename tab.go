package offline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	json "github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TabConfig configures a TabClient.
type TabConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// Visible is the initial visibility reported to isVisible queries.
	Visible bool
}

func (c *TabConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// TabState represents the connection state.
type TabState string

const (
	TabDisconnected TabState = "disconnected"
	TabConnecting   TabState = "connecting"
	TabConnected    TabState = "connected"
	TabReconnecting TabState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// TabEventHandler handles an event broadcast by the worker.
type TabEventHandler func(Event)

type tabDispatcher struct {
	mu             sync.RWMutex
	handlers       map[Event][]TabEventHandler
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

func newTabDispatcher() *tabDispatcher {
	return &tabDispatcher{handlers: make(map[Event][]TabEventHandler)}
}

func (d *tabDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]TabEventHandler(nil), d.handlers[ev]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go func(h TabEventHandler) {
			defer func() { recover() }() // swallow panics in user callbacks
			h(ev)
		}(h)
	}
}

func (d *tabDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *tabDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

func (d *tabDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TabConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{backoff: b, maxAttempts: config.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute starts the ladder again.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.reset()
	}
	r.attempt++
	return r.backoff.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.backoff.Reset()
}

// ============================================================================
// TabClient
// ============================================================================

// TabClient is the tab side of the cross-tab channel. It answers isVisible
// queries from its visibility flag and acknowledges every other event after
// handing it to the registered handlers.
type TabClient struct {
	url              string
	config           *TabConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            TabState
	intentionalClose bool
	visible          atomic.Bool
	dispatcher       *tabDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewTabClient creates a client for the hub at workerURL, e.g.
// "http://127.0.0.1:8000/sw/clients". http schemes are mapped to ws.
func NewTabClient(workerURL string, config *TabConfig) *TabClient {
	if config == nil {
		config = &TabConfig{}
	}
	config.defaults()
	u := strings.Replace(workerURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	c := &TabClient{
		url:        u,
		config:     config,
		state:      TabDisconnected,
		dispatcher: newTabDispatcher(),
		recon:      newReconnector(config),
	}
	c.visible.Store(config.Visible)
	return c
}

// On registers a handler for a worker event.
func (c *TabClient) On(ev Event, h TabEventHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.handlers[ev] = append(c.dispatcher.handlers[ev], h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (c *TabClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *TabClient) OnDisconnected(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *TabClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// SetVisible updates the answer given to isVisible.
func (c *TabClient) SetVisible(v bool) { c.visible.Store(v) }

// Visible returns the current visibility flag.
func (c *TabClient) Visible() bool { return c.visible.Load() }

// State returns the current connection state.
func (c *TabClient) State() TabState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the hub and starts the read loop.
func (c *TabClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == TabConnected || c.state == TabConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = TabConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.setState(TabDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.conn = conn
	c.state = TabConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()
	c.dispatcher.emitConnected()

	go c.readLoop(connCtx, conn)
	return nil
}

func (c *TabClient) setState(s TabState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Disconnect closes the connection without reconnecting.
func (c *TabClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = TabDisconnected
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "tab closed")
	}
	return nil
}

// SendAction sends an action to the worker.
func (c *TabClient) SendAction(ctx context.Context, a ActionMessage) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return c.write(ctx, a)
}

func (c *TabClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *TabClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			var reconnectCtx context.Context
			if !intentional {
				c.state = TabDisconnected
				c.conn = nil
				// Release this connection's context; Disconnect stops a
				// pending reconnect through the new one.
				if c.cancelFn != nil {
					c.cancelFn()
				}
				reconnectCtx, c.cancelFn = context.WithCancel(context.WithoutCancel(ctx))
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.dispatcher.emitDisconnected(err)
			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect(reconnectCtx)
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}

		reply := Reply{ReplyTo: msg.ID}
		if msg.Event == EventIsVisible {
			reply.Data, _ = json.Marshal(c.visible.Load())
		}
		_ = c.write(ctx, reply)

		c.dispatcher.dispatch(msg.Event)
	}
}

func (c *TabClient) scheduleReconnect(ctx context.Context) {
	for {
		delay := c.recon.nextDelay()
		c.setState(TabReconnecting)
		c.dispatcher.emitReconnecting(c.recon.attempt, delay)

		select {
		case <-ctx.Done():
			c.setState(TabDisconnected)
			return
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err == nil {
			return
		}
		if !c.config.AutoReconnect || !c.recon.shouldReconnect() {
			c.setState(TabDisconnected)
			return
		}
	}
}
