package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeferredHeader carries the envelope id on responses to deferred writes.
const DeferredHeader = "X-Offline-Deferred"

// SaveParams identifies where a deferred write goes.
type SaveParams struct {
	// Store is the domain partition the optimistic record is merged into.
	Store string
	// ID is the target id taken from the URL. Nil for new entities, which
	// get a generated id.
	ID any
	// Category names the sync category the envelope is queued under.
	Category string
}

// SyncManager turns mutating requests made while offline into queued
// envelopes plus optimistic store updates.
type SyncManager struct {
	db         *DB
	categories Categories
	triggers   *TriggerQueue
	notifier   Notifier
	logger     *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewSyncManager creates a sync manager. triggers may be nil, in which case
// replay only happens when a tab asks for it.
func NewSyncManager(db *DB, categories Categories, triggers *TriggerQueue, notifier Notifier, logger *zap.Logger) *SyncManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncManager{
		db:         db,
		categories: categories,
		triggers:   triggers,
		notifier:   notifier,
		logger:     logger.Sugar().Named("sync"),
	}
}

// Save queues req for replay and answers it with a 302 carrying the
// submitted body. Persistence failures are logged; the caller still gets
// the optimistic answer. Only an unparsable body is refused, with a 400.
func (s *SyncManager) Save(req *http.Request, p SaveParams) (*http.Response, error) {
	ctx := req.Context()
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		s.logger.Infow("refusing deferred write with invalid body", "url", req.URL.String(), "error", err)
		return jsonResponse(req, http.StatusBadRequest, map[string]string{"error": "request body is not a JSON object"}, "worker")
	}

	cat, ok := s.categories[p.Category]
	if !ok {
		cat = s.categories.For(p.Store)
	}

	id := p.ID
	if id == nil {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = v7.String()
		data[StorageLocalField] = StorageLocalValue
	}
	key, _ := KeyOf(id)

	env := SerializeRequest(req, body)
	env.ID = key.Text
	data["id"] = id

	s.persist(ctx, cat, p.Store, env, Record(data))

	if s.triggers != nil {
		if err := s.triggers.Register(cat.Name); err != nil {
			s.logger.Warnw("trigger registration failed", "category", cat.Name, "error", err)
		}
	}
	deferredWrites.WithLabelValues(cat.Name).Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.notifier.Send(context.WithoutCancel(ctx), EventRequestSaved); err != nil {
			s.logger.Infow("request-saved notice not acknowledged", "error", err)
		}
	}()

	resp, err := jsonResponse(req, http.StatusFound, json.RawMessage(body), "worker")
	if err != nil {
		return nil, err
	}
	resp.Header.Set(DeferredHeader, env.ID)
	return resp, nil
}

func (s *SyncManager) persist(ctx context.Context, cat Category, store string, env Envelope, data Record) {
	fail := func(what string, err error) {
		queuePersistFailures.Inc()
		s.logger.Errorw("deferred write not persisted", "what", what, "id", env.ID, "error", err)
	}

	rec, err := env.Record()
	if err != nil {
		fail("envelope", err)
		return
	}
	if err := s.db.Put(ctx, cat.Requests, rec); err != nil {
		fail("envelope", err)
	}
	if !s.db.Has(store) {
		return
	}
	if _, err := s.db.UpsertMerge(ctx, store, data); err != nil {
		fail("record", err)
	}
}

// Pending counts queued envelopes per category.
func (s *SyncManager) Pending(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.categories))
	for _, name := range s.categories.Names() {
		n, err := s.db.Count(ctx, s.categories[name].Requests)
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// Wait blocks until pending notifications were delivered.
func (s *SyncManager) Wait() { s.wg.Wait() }
