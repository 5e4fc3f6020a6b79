package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// SourceHeader tells callers whether an API response came from the store or
// the network.
const SourceHeader = "X-Offline-Source"

// Responder answers backend reads from the store while refreshing the store
// from the network. Tabs are told to re-render when the refreshed data
// differs from what was served.
type Responder struct {
	db           *DB
	base         http.RoundTripper
	notifier     Notifier
	monitor      *Monitor
	fetchTimeout time.Duration
	logger       *zap.SugaredLogger

	wg sync.WaitGroup
}

// NewResponder creates a responder. monitor may be nil.
func NewResponder(db *DB, base http.RoundTripper, notifier Notifier, monitor *Monitor, fetchTimeout time.Duration, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		db:           db,
		base:         base,
		notifier:     notifier,
		monitor:      monitor,
		fetchTimeout: fetchTimeout,
		logger:       logger.Sugar().Named("responder"),
	}
}

type fetchResult struct {
	data any
	err  error
}

// Respond serves req from partition. A non-empty snapshot is returned at
// once, as is any snapshot while offline. Otherwise it waits for the network
// and, if that fails too, returns the whole partition.
func (r *Responder) Respond(req *http.Request, partition string, lookup Lookup, online bool) (*http.Response, error) {
	ctx := req.Context()
	snapshot, confirmed, found := r.read(ctx, partition, lookup)

	done := make(chan fetchResult, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		done <- r.refresh(req, partition, confirmed, found)
	}()

	if found || !online {
		status := http.StatusOK
		if lookup.ByID() && !found {
			status = http.StatusNotFound
		}
		return jsonResponse(req, status, snapshot, "store")
	}

	select {
	case res := <-done:
		if res.err == nil {
			return jsonResponse(req, http.StatusOK, res.data, "network")
		}
		r.logger.Infow("network read failed, serving partition", "url", req.URL.String(), "error", res.err)
		all, err := r.db.GetAll(ctx, partition)
		if err != nil {
			r.logger.Debugw("fallback read failed", "partition", partition, "error", err)
		}
		return jsonResponse(req, http.StatusOK, all, "store")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until every background refresh has finished.
func (r *Responder) Wait() { r.wg.Wait() }

// read returns the snapshot for lookup, the part of it the server already
// confirmed, and whether the snapshot holds anything. Records still marked
// as stored locally are served but left out of the confirmed copy, which is
// what network data is compared against.
func (r *Responder) read(ctx context.Context, partition string, lookup Lookup) (snapshot, confirmed any, found bool) {
	var (
		recs []Record
		err  error
	)
	switch {
	case lookup.ByID():
		rec, found, err := r.db.GetByID(ctx, partition, lookup.Key)
		if err != nil {
			r.logger.Debugw("store read failed", "partition", partition, "id", lookup.Key, "error", err)
		}
		if !found {
			return Record{}, Record{}, false
		}
		return rec, stripLocal(map[string]any(rec)), true
	case lookup.Index != "":
		recs, err = r.db.GetByIndex(ctx, partition, lookup.Index, lookup.Key)
	default:
		recs, err = r.db.GetAll(ctx, partition)
	}
	if err != nil {
		r.logger.Debugw("store read failed", "partition", partition, "index", lookup.Index, "error", err)
		recs = []Record{}
	}
	return recs, withoutLocal(recs), len(recs) > 0
}

// refresh fetches req from the network on a context detached from the
// caller, mirrors the result and announces changed content.
func (r *Responder) refresh(req *http.Request, partition string, confirmed any, found bool) fetchResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.fetchTimeout)
	defer cancel()

	resp, err := r.base.RoundTrip(req.Clone(ctx))
	if err != nil {
		if r.monitor != nil {
			r.monitor.Recheck()
		}
		return fetchResult{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{err: err}
	}
	if resp.StatusCode/100 != 2 {
		return fetchResult{err: fmt.Errorf("%s: unexpected status %d", req.URL, resp.StatusCode)}
	}
	data, err := decodeJSON(raw)
	if err != nil {
		return fetchResult{err: fmt.Errorf("%s: %w", req.URL, err)}
	}
	data = stripLocal(data)

	if err := mirror(ctx, r.db, partition, data); err != nil {
		r.logger.Warnw("mirror read response failed", "partition", partition, "error", err)
	}
	if found && fingerprint(data) != fingerprint(confirmed) {
		r.logger.Debugw("content changed", "url", req.URL.String())
		if _, err := r.notifier.Send(ctx, EventUpdateContent); err != nil {
			r.logger.Infow("updateContent not acknowledged", "error", err)
		}
	}
	return fetchResult{data: data}
}

// ── JSON helpers ──────────────────────────────────────────

func decodeJSON(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func jsonResponse(req *http.Request, status int, v any, source string) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")
	header.Set(SourceHeader, source)
	return CachedResponse{Status: status, Header: header, Body: body}.Response(req), nil
}

// recordsOf returns the keyed objects in a decoded JSON object or array.
func recordsOf(data any) []Record {
	var out []Record
	add := func(v any) {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		if _, ok := KeyOf(m["id"]); ok {
			out = append(out, Record(m))
		}
	}
	switch t := data.(type) {
	case []any:
		for _, v := range t {
			add(v)
		}
	default:
		add(t)
	}
	return out
}

// mirror writes the records in data to partition when the store has it.
func mirror(ctx context.Context, db *DB, partition string, data any) error {
	if !db.Has(partition) {
		return nil
	}
	recs := recordsOf(data)
	if len(recs) == 0 {
		return nil
	}
	return db.Put(ctx, partition, recs...)
}

// stripLocal removes the stored-locally marker from objects in data.
func stripLocal(data any) any {
	switch t := data.(type) {
	case map[string]any:
		if _, ok := t[StorageLocalField]; !ok {
			return t
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			if k != StorageLocalField {
				out[k] = v
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = stripLocal(v)
		}
		return out
	}
	return data
}

func withoutLocal(recs []Record) []Record {
	out := recs[:0:0]
	for _, rec := range recs {
		if _, local := rec[StorageLocalField]; !local {
			out = append(out, rec)
		}
	}
	return out
}

// fingerprint hashes the canonical JSON form of v. Lists of records are
// compared in key order.
func fingerprint(v any) uint64 {
	data, err := json.Marshal(canonical(v))
	if err != nil {
		return 0
	}
	return xxh3.Hash(data)
}

func canonical(v any) any {
	var list []Record
	switch t := v.(type) {
	case []Record:
		list = append(list, t...)
	case []any:
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return v
			}
			list = append(list, Record(m))
		}
	case map[string]any:
		return Record(t)
	default:
		return v
	}
	sort.SliceStable(list, func(i, j int) bool {
		ki, _ := KeyOf(list[i]["id"])
		kj, _ := KeyOf(list[j]["id"])
		return ki.Less(kj)
	})
	return list
}
