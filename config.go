package offline

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the full worker configuration. It is stored as TOML in
// ~/.restaurant-offline/config.toml by the CLI.
type Config struct {
	Worker   WorkerConfig   `toml:"worker"`
	Precache PrecacheConfig `toml:"precache"`
	Store    StoreConfig    `toml:"store"`
	Sync     SyncConfig     `toml:"sync"`
	Notify   NotifyConfig   `toml:"notify"`
	Logging  LoggingConfig  `toml:"logging"`
}

// WorkerConfig holds the origins the worker sits between.
type WorkerConfig struct {
	Listen    string `toml:"listen"`
	AppOrigin string `toml:"app_origin"`
	APIOrigin string `toml:"api_origin"`
	// SWURL is the path tabs use to reach the worker's client hub.
	SWURL string `toml:"sw_url"`
	// AskUserBeforeApplyingUpdate keeps a new worker waiting until a tab
	// sends skipWaiting.
	AskUserBeforeApplyingUpdate bool     `toml:"ask_user_before_applying_update"`
	ReplyTimeout                Duration `toml:"reply_timeout"`
}

// PrecacheStrategy selects how shell assets are cached.
type PrecacheStrategy string

const (
	// PrecacheOnReload caches nothing on install; assets fill the runtime
	// cache as they are requested.
	PrecacheOnReload PrecacheStrategy = "onReload"
	// PrecacheOnAnalyzePage caches the asset list a tab harvests from the
	// page and sends with set-preCache.
	PrecacheOnAnalyzePage PrecacheStrategy = "onAnalyzePage"
	// PrecacheManifest caches the configured manifest on install.
	PrecacheManifest PrecacheStrategy = "precacheConfig"
)

// PrecacheConfig describes the static precache manifest.
type PrecacheConfig struct {
	Strategy         PrecacheStrategy `toml:"strategy"`
	CacheName        string           `toml:"cache_name"`
	CacheSizeMB      int              `toml:"cache_size_mb"`
	URLs             []string         `toml:"urls"`
	OfflineImage     string           `toml:"offline_image"`
	NavigateFallback string           `toml:"navigate_fallback"`
	// NavigateFallbackAllow are path regexps eligible for NavigateFallback.
	NavigateFallbackAllow []string `toml:"navigate_fallback_allow"`
	// IgnoreParams are query parameter regexps stripped before lookup.
	IgnoreParams []string `toml:"ignore_params"`
	// Exclude are URL regexps never intercepted.
	Exclude []string `toml:"exclude"`
}

// StoreConfig locates the structured store. An empty Dir keeps it in memory.
type StoreConfig struct {
	Dir  string `toml:"dir"`
	Name string `toml:"name"`
}

// SyncConfig tunes the deferred-write queue and replay.
type SyncConfig struct {
	// QueueDir holds the durable replay trigger queue. Empty disables
	// background replay registration; tabs then fall back to bgSyncPolyfill.
	QueueDir         string   `toml:"queue_dir"`
	ReplayTimeout    Duration `toml:"replay_timeout"`
	FetchTimeout     Duration `toml:"fetch_timeout"`
	ProbeInterval    Duration `toml:"probe_interval"`
	ProbePath        string   `toml:"probe_path"`
	RetryMaxInterval Duration `toml:"retry_max_interval"`
}

// NotifyConfig configures system notifications raised when no tab is visible.
type NotifyConfig struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
	Icon          string `toml:"icon"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ============================================================================
// Duration
// ============================================================================

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// ============================================================================
// Defaults and validation
// ============================================================================

// DefaultShellAssets are precached on install with the precacheConfig strategy.
var DefaultShellAssets = []string{
	"/",
	"/index.html",
	"/restaurant.html",
	"/404.html",
	"/js/main.js",
	"/js/restaurant_info.js",
	"/css/styles.css",
	"/offlineimgs/offlineimg.jpg",
	"/offlineimgs/offlineimg-800_2x.jpg",
	"/offlineimgs/offlineimg-600_2x.jpg",
	"/offlineimgs/offlineimg-400.jpg",
	"/offlineimgs/offlineimg-300.jpg",
}

// DefaultConfig returns a configuration with every field populated.
func DefaultConfig() Config {
	return Config{
		Worker: WorkerConfig{
			Listen:       "127.0.0.1:8000",
			AppOrigin:    "http://localhost:8080",
			APIOrigin:    "http://localhost:1337",
			SWURL:        "/sw/clients",
			ReplyTimeout: Duration(5 * time.Second),
		},
		Precache: PrecacheConfig{
			Strategy:              PrecacheManifest,
			CacheName:             "restaurant-precache-v1",
			CacheSizeMB:           128,
			URLs:                  append([]string(nil), DefaultShellAssets...),
			OfflineImage:          "/offlineimgs/offlineimg.jpg",
			NavigateFallback:      "/404.html",
			NavigateFallbackAllow: []string{`^/restaurant`},
			IgnoreParams:          []string{`^utm_`},
			Exclude:               []string{`mapbox`, `maps`, `chrome-extension`, `/browser-sync/`},
		},
		Store: StoreConfig{
			Name: "restaurant-store",
		},
		Sync: SyncConfig{
			ReplayTimeout:    Duration(30 * time.Second),
			FetchTimeout:     Duration(30 * time.Second),
			ProbeInterval:    Duration(10 * time.Second),
			ProbePath:        "/restaurants",
			RetryMaxInterval: Duration(5 * time.Minute),
		},
		Notify: NotifyConfig{
			Icon: "/img/icons/icon-256.png",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	for name, origin := range map[string]string{
		"worker.app_origin": c.Worker.AppOrigin,
		"worker.api_origin": c.Worker.APIOrigin,
	} {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: %q is not an absolute origin", name, origin)
		}
	}
	switch c.Precache.Strategy {
	case PrecacheOnReload, PrecacheOnAnalyzePage, PrecacheManifest:
	default:
		return fmt.Errorf("precache.strategy: unknown strategy %q (valid: onReload, onAnalyzePage, precacheConfig)", c.Precache.Strategy)
	}
	for _, group := range [][]string{c.Precache.NavigateFallbackAllow, c.Precache.IgnoreParams, c.Precache.Exclude} {
		for _, expr := range group {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("precache: invalid pattern %q: %w", expr, err)
			}
		}
	}
	if c.Store.Name == "" {
		return fmt.Errorf("store.name is required")
	}
	if c.Sync.ReplayTimeout <= 0 || c.Sync.FetchTimeout <= 0 {
		return fmt.Errorf("sync: timeouts must be positive")
	}
	return nil
}
