// Package offline is the offline-first data layer for the restaurant-review app.
//
// It owns a versioned structured store, intercepts HTTP traffic between the
// app and its REST backend, queues writes made while offline and replays them
// once connectivity returns, and keeps every connected tab informed.
//
// Usage:
//
//	cfg := offline.DefaultConfig()
//	w, err := offline.New(ctx, cfg, offline.WithLogger(logger))
//	if err != nil { ... }
//	defer w.Close()
//	if err := w.Start(ctx); err != nil { ... }
//
//	client := &http.Client{Transport: w.Interceptor()}
//	http.ListenAndServe(cfg.Worker.Listen, w.Handler())
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// imageMemoSize bounds the image fallback memo.
const imageMemoSize = 256

// ============================================================================
// Options
// ============================================================================

type options struct {
	logger     *zap.Logger
	transport  http.RoundTripper
	store      Store
	system     SystemNotifier
	categories Categories
}

// Option configures a Worker.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport sets the network transport below the interceptor.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithStore uses an already opened store instead of cfg.Store.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithSystemNotifier overrides how system notifications are delivered.
func WithSystemNotifier(n SystemNotifier) Option {
	return func(o *options) { o.system = n }
}

// WithCategories overrides the sync category map.
func WithCategories(c Categories) Option {
	return func(o *options) { o.categories = c }
}

// ============================================================================
// Event Emitter
// ============================================================================

// Worker events passed to On handlers.
const (
	WorkerEventOnline   = "network.online"
	WorkerEventOffline  = "network.offline"
	WorkerEventReplayed = "replay.finished"
)

// WorkerEventHandler handles worker events. payload is nil for network
// events and a []ReplayResult for replay.finished.
type WorkerEventHandler func(event string, payload any)

type workerEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]WorkerEventHandler
}

// On registers handler for event.
func (e *workerEmitter) On(event string, handler WorkerEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *workerEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Worker
// ============================================================================

// Worker assembles the store, caches, interceptor, deferred-write queue,
// replay engine and tab hub.
type Worker struct {
	workerEmitter

	cfg    Config
	zl     *zap.Logger
	logger *zap.SugaredLogger
	base   http.RoundTripper

	db          *DB
	caches      *CacheStorage
	manifest    *Manifest
	images      *ImageResolver
	hub         *Hub
	monitor     *Monitor
	triggers    *TriggerQueue
	syncer      *SyncManager
	responder   *Responder
	replayer    *Replayer
	lifecycle   *Lifecycle
	interceptor *Interceptor

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New builds a worker from cfg. Storage that cannot be opened is logged and
// the worker runs network-only; every other setup failure is returned.
func New(ctx context.Context, cfg Config, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.transport == nil {
		o.transport = http.DefaultTransport
	}
	if o.categories == nil {
		o.categories = DefaultCategories()
	}

	w := &Worker{
		workerEmitter: workerEmitter{listeners: make(map[string][]WorkerEventHandler)},
		cfg:           cfg,
		zl:            o.logger,
		logger:        o.logger.Sugar().Named("worker"),
		base:          o.transport,
	}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg.Store, o.logger)
		if err != nil {
			w.logger.Warnw("store unavailable, continuing network-only", "error", err)
			store = nil
		}
	}
	w.db = NewDB(store, o.logger)

	w.caches = NewCacheStorage(cfg.Precache.CacheSizeMB << 20)
	manifest, err := NewManifest(cfg.Precache, cfg.Worker.AppOrigin, w.caches, o.logger)
	if err != nil {
		return nil, err
	}
	w.manifest = manifest
	if w.images, err = NewImageResolver(w.caches, manifest, cfg.Precache.OfflineImage, imageMemoSize); err != nil {
		return nil, err
	}

	app, _ := url.Parse(cfg.Worker.AppOrigin)
	w.hub = NewHub(
		WithReplyTimeout(cfg.Worker.ReplyTimeout.Std()),
		WithOriginPatterns(app.Host),
		WithHubLogger(o.logger),
	)
	w.hub.SetActionHandler(ActionHandlerFunc(w.HandleAction))

	w.monitor = NewMonitor(cfg.Worker.APIOrigin+cfg.Sync.ProbePath, cfg.Sync.ProbeInterval.Std(), o.transport, o.logger)
	w.monitor.OnChange(func(online bool) {
		if online {
			w.emit(WorkerEventOnline, nil)
		} else {
			w.emit(WorkerEventOffline, nil)
		}
	})

	if cfg.Sync.QueueDir != "" {
		if w.triggers, err = OpenTriggerQueue(cfg.Sync.QueueDir); err != nil {
			w.logger.Warnw("trigger queue unavailable, replay waits for bgSyncPolyfill", "error", err)
			w.triggers = nil
		}
	}

	system := o.system
	if system == nil {
		if cfg.Notify.WebhookURL != "" {
			system = NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, &http.Client{Transport: o.transport})
		} else {
			system = NewLogNotifier(o.logger)
		}
	}

	w.syncer = NewSyncManager(w.db, o.categories, w.triggers, w.hub, o.logger)
	w.responder = NewResponder(w.db, o.transport, w.hub, w.monitor, cfg.Sync.FetchTimeout.Std(), o.logger)
	w.replayer = NewReplayer(ReplayerConfig{
		DB:         w.db,
		Categories: o.categories,
		Transport:  o.transport,
		Notifier:   w.hub,
		System:     system,
		Triggers:   w.triggers,
		Monitor:    w.monitor,
		Timeout:    cfg.Sync.ReplayTimeout.Std(),
		RetryMax:   cfg.Sync.RetryMaxInterval.Std(),
		Icon:       cfg.Notify.Icon,
		Logger:     o.logger,
	})
	w.lifecycle = NewLifecycle(LifecycleConfig{
		Version:  manifest.Version(),
		AskUser:  cfg.Worker.AskUserBeforeApplyingUpdate,
		Versions: dbVersions{db: w.db},
		Install:  w.install,
		Notifier: w.hub,
		Logger:   o.logger,
	})
	w.hub.SetConnectHandler(w.greet)

	policy, err := NewPolicy(cfg, manifest)
	if err != nil {
		return nil, err
	}
	w.interceptor = &Interceptor{
		policy:      policy,
		base:        o.transport,
		monitor:     w.monitor,
		caches:      w.caches,
		runtime:     w.caches.Open(runtimeCacheName),
		images:      w.images,
		db:          w.db,
		responder:   w.responder,
		syncer:      w.syncer,
		controlling: w.lifecycle.Active,
		logger:      o.logger.Sugar().Named("interceptor"),
	}
	return w, nil
}

// Interceptor returns the transport applications route their traffic through.
func (w *Worker) Interceptor() http.RoundTripper { return w.interceptor }

// Hub returns the tab hub.
func (w *Worker) Hub() *Hub { return w.hub }

// DB returns the access helper.
func (w *Worker) DB() *DB { return w.db }

// Lifecycle returns the worker lifecycle.
func (w *Worker) Lifecycle() *Lifecycle { return w.lifecycle }

// Monitor returns the connectivity monitor.
func (w *Worker) Monitor() *Monitor { return w.monitor }

// Replayer returns the replay engine.
func (w *Worker) Replayer() *Replayer { return w.replayer }

// Manifest returns the precache manifest.
func (w *Worker) Manifest() *Manifest { return w.manifest }

// Start launches the connectivity probe and replay loop, then installs the
// worker. Install fails when any precache entry cannot be fetched.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	w.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.monitor.Run(runCtx)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.replayer.Run(runCtx); err != nil {
			w.logger.Errorw("replay loop stopped", "error", err)
		}
	}()

	return w.lifecycle.Start(ctx)
}

// install fills the precache with every registered entry.
func (w *Worker) install(ctx context.Context) error {
	if len(w.manifest.URLs()) == 0 {
		return nil
	}
	return w.manifest.Install(ctx, w.fetch)
}

// greet tells a newly connected tab about an update that is still waiting.
func (w *Worker) greet(ctx context.Context, tabID string) {
	if w.lifecycle.State() != StateWaiting {
		return
	}
	if _, err := w.hub.SendTo(ctx, tabID, EventUpdateWaiting); err != nil {
		w.logger.Debugw("updateWaiting not acknowledged", "tab", tabID, "error", err)
	}
}

func (w *Worker) fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return w.base.RoundTrip(req)
}

// HandleAction implements ActionHandler for tab actions.
func (w *Worker) HandleAction(ctx context.Context, tabID string, a ActionMessage) error {
	w.logger.Debugw("tab action", "tab", tabID, "action", a.Action)
	switch a.Action {
	case ActionSkipWaiting:
		return w.lifecycle.SkipWaiting(ctx)
	case ActionBgSyncPolyfill:
		results, err := w.replayer.Sweep(ctx)
		w.emit(WorkerEventReplayed, results)
		return err
	case ActionSetPreCache:
		if w.manifest.Strategy() != PrecacheOnAnalyzePage {
			w.logger.Debugw("ignoring set-preCache", "strategy", w.manifest.Strategy())
			return nil
		}
		keys := w.manifest.Add(a.URLs...)
		if len(keys) == 0 {
			return nil
		}
		return w.manifest.Install(ctx, w.fetch, keys...)
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidMessage, a.Action)
	}
}

// Status is a point-in-time view of the worker.
type Status struct {
	State          string         `json:"state"`
	Online         bool           `json:"online"`
	Tabs           int            `json:"tabs"`
	StoreAvailable bool           `json:"storeAvailable"`
	SchemaVersion  int            `json:"schemaVersion,omitempty"`
	Pending        map[string]int `json:"pending"`
	Triggers       uint64         `json:"triggers"`
	Precached      []string       `json:"precached"`
}

// Status reports the worker state.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	pending, err := w.syncer.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{
		State:          w.lifecycle.State(),
		Online:         w.monitor.Online(),
		Tabs:           w.hub.Tabs(),
		StoreAvailable: w.db.Available(),
		Pending:        pending,
		Precached:      w.manifest.URLs(),
	}
	if s.StoreAvailable {
		s.SchemaVersion = w.db.Store().Version()
	}
	if w.triggers != nil {
		s.Triggers = w.triggers.Pending()
	}
	return s, nil
}

// Close stops background work and releases storage. Queued envelopes stay
// in the store for the next start.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.responder.Wait()
	w.syncer.Wait()

	var errs []error
	errs = append(errs, w.hub.Close())
	if w.triggers != nil {
		errs = append(errs, w.triggers.Close())
	}
	errs = append(errs, w.db.Close())
	return errors.Join(errs...)
}
