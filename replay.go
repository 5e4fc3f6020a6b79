package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	replayFanout      = 8
	notificationTitle = "Restaurant Reviews"
)

// ReplayResult summarises one replay of a sync category.
type ReplayResult struct {
	Category  string `json:"category"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	// Skipped is set when another replay of the category was running.
	Skipped       bool `json:"skipped,omitempty"`
	Reloaded      bool `json:"reloaded,omitempty"`
	Notifications int  `json:"notifications,omitempty"`
}

// Replayer resubmits queued envelopes once the backend is reachable.
// Delivery is at least once: an envelope whose response arrived but whose
// deletion failed is sent again on the next replay, carrying the same
// CorrelationHeader.
type Replayer struct {
	db         *DB
	categories Categories
	base       http.RoundTripper
	notifier   Notifier
	system     SystemNotifier
	triggers   *TriggerQueue
	monitor    *Monitor
	timeout    time.Duration
	retryMax   time.Duration
	icon       string
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]bool
}

// ReplayerConfig wires a Replayer.
type ReplayerConfig struct {
	DB         *DB
	Categories Categories
	Transport  http.RoundTripper
	Notifier   Notifier
	System     SystemNotifier
	// Triggers and Monitor are only needed by Run.
	Triggers *TriggerQueue
	Monitor  *Monitor
	Timeout  time.Duration
	RetryMax time.Duration
	Icon     string
	Logger   *zap.Logger
}

// NewReplayer creates a replayer.
func NewReplayer(cfg ReplayerConfig) *Replayer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.System == nil {
		cfg.System = NewLogNotifier(cfg.Logger)
	}
	return &Replayer{
		db:         cfg.DB,
		categories: cfg.Categories,
		base:       cfg.Transport,
		notifier:   cfg.Notifier,
		system:     cfg.System,
		triggers:   cfg.Triggers,
		monitor:    cfg.Monitor,
		timeout:    cfg.Timeout,
		retryMax:   cfg.RetryMax,
		icon:       cfg.Icon,
		logger:     cfg.Logger.Sugar().Named("replay"),
		inflight:   make(map[string]bool),
	}
}

func (r *Replayer) begin(category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[category] {
		return false
	}
	r.inflight[category] = true
	return true
}

func (r *Replayer) end(category string) {
	r.mu.Lock()
	delete(r.inflight, category)
	r.mu.Unlock()
}

// Replay resubmits every envelope queued under category. An envelope counts
// as delivered when the backend answered, whatever the status; it is then
// removed together with its optimistic record. After at least one delivery,
// visible tabs are told to reload, or one system notification is raised per
// run of consecutive envelopes sharing a referrer.
func (r *Replayer) Replay(ctx context.Context, category string) (ReplayResult, error) {
	res := ReplayResult{Category: category}
	cat, ok := r.categories[category]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if !r.begin(category) {
		res.Skipped = true
		return res, nil
	}
	defer r.end(category)

	recs, err := r.db.GetAll(ctx, cat.Requests)
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", category, err)
	}
	envs := make([]Envelope, 0, len(recs))
	for _, rec := range recs {
		env, err := EnvelopeFromRecord(rec)
		if err != nil {
			r.logger.Warnw("skipping unreadable envelope", "category", category, "error", err)
			continue
		}
		envs = append(envs, env)
	}
	res.Attempted = len(envs)
	if len(envs) == 0 {
		return res, nil
	}

	delivered := make([]bool, len(envs))
	var g errgroup.Group
	g.SetLimit(replayFanout)
	for i, env := range envs {
		i, env := i, env
		g.Go(func() error {
			delivered[i] = r.replayOne(ctx, cat, env)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range delivered {
		if ok {
			res.Succeeded++
			replayOutcomes.WithLabelValues(category, "delivered").Inc()
		} else {
			res.Failed++
			replayOutcomes.WithLabelValues(category, "failed").Inc()
		}
	}
	r.logger.Infow("replay finished", "category", category, "delivered", res.Succeeded, "failed", res.Failed)

	if res.Succeeded > 0 {
		r.announce(ctx, cat, envs, delivered, &res)
	}
	return res, nil
}

func (r *Replayer) replayOne(ctx context.Context, cat Category, env Envelope) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := env.Request(attemptCtx)
	if err != nil {
		r.logger.Warnw("envelope cannot be rebuilt", "id", env.ID, "error", err)
		return false
	}
	resp, err := r.base.RoundTrip(req)
	if err != nil {
		r.logger.Infow("replay attempt failed", "id", env.ID, "url", env.URL, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Deletion failures are logged by the helper; the envelope is retried.
	_ = r.db.DeleteByID(ctx, env.ID, cat.Partitions()...)
	return true
}

func (r *Replayer) announce(ctx context.Context, cat Category, envs []Envelope, delivered []bool, res *ReplayResult) {
	if cat.Data != "" {
		visible, err := r.notifier.IsVisible(ctx)
		if err != nil {
			r.logger.Infow("visibility query failed", "error", err)
		}
		if !visible {
			for _, g := range groupByReferrer(envs, delivered) {
				n := SystemNotification{
					Title:     notificationTitle,
					Body:      notificationBody(g.count),
					Icon:      r.icon,
					Tag:       g.referrer,
					Count:     g.count,
					Timestamp: time.Now().UnixMilli(),
				}
				if err := r.system.Notify(ctx, n); err != nil {
					r.logger.Warnw("system notification failed", "tag", g.referrer, "error", err)
					continue
				}
				res.Notifications++
			}
			return
		}
	}
	if _, err := r.notifier.Send(ctx, EventReload); err != nil {
		r.logger.Infow("reload not acknowledged by every tab", "error", err)
	}
	res.Reloaded = true
}

type referrerGroup struct {
	referrer string
	count    int
}

// groupByReferrer collapses consecutive delivered envelopes with the same
// referrer.
func groupByReferrer(envs []Envelope, delivered []bool) []referrerGroup {
	var out []referrerGroup
	for i, env := range envs {
		if !delivered[i] {
			continue
		}
		if n := len(out); n > 0 && out[n-1].referrer == env.Referrer {
			out[n-1].count++
			continue
		}
		out = append(out, referrerGroup{referrer: env.Referrer, count: 1})
	}
	return out
}

func notificationBody(count int) string {
	if count == 1 {
		return "Your review was submitted."
	}
	return fmt.Sprintf("%d reviews were submitted.", count)
}

// Sweep replays every category with queued envelopes. It backs the
// bgSyncPolyfill action sent by tabs that cannot register triggers.
func (r *Replayer) Sweep(ctx context.Context) ([]ReplayResult, error) {
	var out []ReplayResult
	for _, name := range r.categories.Names() {
		empty, err := r.db.IsEmpty(ctx, r.categories[name].Requests)
		if err != nil {
			return out, err
		}
		if empty {
			continue
		}
		res, err := r.Replay(ctx, name)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Run replays registered categories whenever a trigger fires or the backend
// comes back, until ctx ends. Categories with undelivered envelopes are
// registered again and retried with exponential backoff.
func (r *Replayer) Run(ctx context.Context) error {
	if r.triggers == nil || r.monitor == nil {
		<-ctx.Done()
		return nil
	}

	wake := make(chan struct{}, 1)
	r.monitor.OnChange(func(online bool) {
		if online {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = r.retryMax
	b.MaxElapsedTime = 0
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.triggers.Signal():
		case <-wake:
		case <-retry:
			retry = nil
		}
		if !r.monitor.Online() {
			continue
		}

		categories, err := r.triggers.Drain()
		if err != nil {
			r.logger.Errorw("trigger queue unreadable", "error", err)
		}
		failed := false
		for _, category := range categories {
			res, err := r.Replay(ctx, category)
			if errors.Is(err, ErrUnknownCategory) {
				r.logger.Warnw("dropping trigger", "category", category)
				continue
			}
			if err != nil {
				r.logger.Warnw("replay failed", "category", category, "error", err)
			}
			if err != nil || res.Failed > 0 || res.Skipped {
				failed = true
				if err := r.triggers.requeue(category); err != nil {
					r.logger.Errorw("trigger lost", "category", category, "error", err)
				}
			}
		}

		if failed {
			delay := b.NextBackOff()
			r.logger.Infow("replay retry scheduled", "in", delay)
			retry = time.After(delay)
		} else if len(categories) > 0 {
			b.Reset()
		}
	}
}
