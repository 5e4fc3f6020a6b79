package offline

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Worker lifecycle states.
const (
	StateParsed     = "parsed"
	StateInstalling = "installing"
	StateWaiting    = "waiting"
	StateActive     = "active"
	StateRedundant  = "redundant"
)

// Worker lifecycle events.
const (
	EventInstall     = "install"
	EventInstalled   = "installed"
	EventInstallFail = "install_failed"
	EventActivate    = "activate"
)

// Versions remembers which worker version last took control.
type Versions interface {
	Active(ctx context.Context) (string, error)
	SetActive(ctx context.Context, version string) error
}

// LifecycleConfig wires a Lifecycle.
type LifecycleConfig struct {
	// Version identifies what this worker would install, e.g. a hash of the
	// precache manifest.
	Version string
	// AskUser makes an update wait for skipWaiting. A first install, or a
	// restart of the version already in control, activates right away.
	AskUser bool
	// Versions may be nil, in which case every start is a first install.
	Versions Versions
	Install  func(ctx context.Context) error
	Notifier Notifier
	Logger   *zap.Logger
}

// Lifecycle moves the worker from install to control. Until it is active
// the interceptor passes every request through.
type Lifecycle struct {
	mu       sync.Mutex
	fsm      *fsm.FSM
	version  string
	askUser  bool
	versions Versions
	install  func(ctx context.Context) error
	notifier Notifier
	logger   *zap.SugaredLogger

	activated chan struct{}
	once      sync.Once
}

// NewLifecycle creates a lifecycle in the parsed state.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Lifecycle{
		version:   cfg.Version,
		askUser:   cfg.AskUser,
		versions:  cfg.Versions,
		install:   cfg.Install,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.Sugar().Named("lifecycle"),
		activated: make(chan struct{}),
	}
	l.fsm = fsm.NewFSM(
		StateParsed,
		fsm.Events{
			{Name: EventInstall, Src: []string{StateParsed}, Dst: StateInstalling},
			{Name: EventInstalled, Src: []string{StateInstalling}, Dst: StateWaiting},
			{Name: EventInstallFail, Src: []string{StateInstalling}, Dst: StateRedundant},
			{Name: EventActivate, Src: []string{StateWaiting}, Dst: StateActive},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.logger.Debugf("worker %s -> %s", e.Src, e.Dst)
			},
			"enter_" + StateActive: func(_ context.Context, _ *fsm.Event) {
				l.once.Do(func() { close(l.activated) })
			},
		},
	)
	return l
}

// State returns the current state.
func (l *Lifecycle) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fsm.Current()
}

// Active reports whether the worker controls requests.
func (l *Lifecycle) Active() bool { return l.State() == StateActive }

// Activated is closed once the worker becomes active.
func (l *Lifecycle) Activated() <-chan struct{} { return l.activated }

func (l *Lifecycle) event(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fsm.Event(ctx, name)
}

// Start installs the worker. An install failure leaves it redundant. After
// install it activates, unless it replaces a different version that is
// already in control and the user has to confirm; then it announces that
// an update is waiting.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.event(ctx, EventInstall); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if err := l.install(ctx); err != nil {
		_ = l.event(ctx, EventInstallFail)
		return fmt.Errorf("install: %w", err)
	}
	if err := l.event(ctx, EventInstalled); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if !l.askUser {
		return l.SkipWaiting(ctx)
	}
	previous := l.previous(ctx)
	if previous == "" || previous == l.version {
		return l.SkipWaiting(ctx)
	}
	l.logger.Infow("update installed, waiting for skipWaiting", "version", l.version, "active", previous)
	if _, err := l.notifier.Send(ctx, EventUpdateWaiting); err != nil {
		l.logger.Infow("updateWaiting not acknowledged", "error", err)
	}
	return nil
}

// previous returns the version that last took control, or "" if unknown.
func (l *Lifecycle) previous(ctx context.Context) string {
	if l.versions == nil {
		return ""
	}
	v, err := l.versions.Active(ctx)
	if err != nil {
		l.logger.Infow("active version unknown, treating as first install", "error", err)
		return ""
	}
	return v
}

// Version returns the version this worker installs.
func (l *Lifecycle) Version() string { return l.version }

// SkipWaiting activates a waiting worker. It is a no-op when already active.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	switch l.State() {
	case StateActive:
		return nil
	case StateWaiting:
	default:
		return fmt.Errorf("lifecycle: cannot activate from %s", l.State())
	}
	if err := l.event(ctx, EventActivate); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	l.logger.Infow("worker active", "version", l.version)
	if l.versions != nil {
		if err := l.versions.SetActive(ctx, l.version); err != nil {
			l.logger.Warnw("active version not recorded", "version", l.version, "error", err)
		}
	}
	return nil
}

// dbVersions keeps the active version in the meta partition.
type dbVersions struct{ db *DB }

const activeVersionID = "active-version"

func (v dbVersions) Active(ctx context.Context) (string, error) {
	if !v.db.Has(PartitionMeta) {
		return "", nil
	}
	rec, found, err := v.db.GetByID(ctx, PartitionMeta, activeVersionID)
	if err != nil || !found {
		return "", err
	}
	s, _ := rec["version"].(string)
	return s, nil
}

func (v dbVersions) SetActive(ctx context.Context, version string) error {
	if !v.db.Has(PartitionMeta) {
		return nil
	}
	return v.db.Put(ctx, PartitionMeta, Record{"id": activeVersionID, "version": version})
}
