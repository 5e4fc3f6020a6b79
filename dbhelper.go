package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"go.uber.org/zap"
)

// DB is the access helper over a Store. A DB without a store is usable:
// reads return empty results and writes return ErrStoreUnavailable, so
// callers degrade to network-only.
type DB struct {
	store  Store
	locks  *mapmutex.Mutex
	logger *zap.SugaredLogger
}

// NewDB wraps store. store may be nil when storage could not be opened.
func NewDB(store Store, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		store:  store,
		// 100 retries capped at 5ms each; lock() keeps retrying until ctx ends.
		locks:  mapmutex.NewCustomizedMapMutex(100, 5e6, 1e3, 1.5, 0.2),
		logger: logger.Sugar().Named("db"),
	}
}

// Available reports whether a store is attached.
func (d *DB) Available() bool { return d != nil && d.store != nil }

// Has reports whether partition exists in the attached store.
func (d *DB) Has(partition string) bool {
	if !d.Available() {
		return false
	}
	for _, p := range d.store.Partitions() {
		if p.Name == partition {
			return true
		}
	}
	return false
}

// Store returns the underlying store, or nil.
func (d *DB) Store() Store { return d.store }

// Close closes the underlying store.
func (d *DB) Close() error {
	if !d.Available() {
		return nil
	}
	return d.store.Close()
}

// view runs fn in a read-only transaction.
func (d *DB) view(ctx context.Context, partition string, fn func(Tx) error) error {
	if !d.Available() {
		return ErrStoreUnavailable
	}
	tx, err := d.store.Begin(ctx, ReadOnly, partition)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// update runs fn in a read-write transaction and commits it.
func (d *DB) update(ctx context.Context, partition string, fn func(Tx) error) error {
	if !d.Available() {
		return ErrStoreUnavailable
	}
	tx, err := d.store.Begin(ctx, ReadWrite, partition)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	}
	return tx.Commit()
}

// Put upserts every record by primary key in one transaction.
func (d *DB) Put(ctx context.Context, partition string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	return d.update(ctx, partition, func(tx Tx) error {
		for _, rec := range records {
			if err := tx.Put(ctx, partition, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAll returns every record in partition. It never returns nil on success.
func (d *DB) GetAll(ctx context.Context, partition string) ([]Record, error) {
	out := []Record{}
	err := d.view(ctx, partition, func(tx Tx) error {
		recs, err := tx.GetAll(ctx, partition)
		out = recs
		return err
	})
	if errors.Is(err, ErrStoreUnavailable) {
		return []Record{}, nil
	}
	if err != nil {
		return []Record{}, err
	}
	if len(out) == 0 {
		d.logger.Debugw("partition is empty", "partition", partition)
	}
	return out, nil
}

// GetByIndex returns records whose index field equals key, or every indexed
// record when key is nil.
func (d *DB) GetByIndex(ctx context.Context, partition, index string, key any) ([]Record, error) {
	out := []Record{}
	err := d.view(ctx, partition, func(tx Tx) error {
		recs, err := tx.GetByIndex(ctx, partition, index, key)
		out = recs
		return err
	})
	if errors.Is(err, ErrStoreUnavailable) {
		return []Record{}, nil
	}
	if err != nil {
		return []Record{}, err
	}
	if len(out) == 0 {
		d.logger.Debugw("no records for index", "partition", partition, "index", index, "key", key)
	}
	return out, nil
}

// GetByID returns the record stored under id. A missing record is reported
// with found == false and no error.
func (d *DB) GetByID(ctx context.Context, partition string, id any) (rec Record, found bool, err error) {
	err = d.view(ctx, partition, func(tx Tx) error {
		r, err := tx.Get(ctx, partition, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	if errors.Is(err, ErrStoreUnavailable) {
		return nil, false, nil
	}
	return rec, found, err
}

// DeleteByID deletes id from each partition independently. A failure in one
// partition is logged and does not stop the others; all failures are joined.
func (d *DB) DeleteByID(ctx context.Context, id any, partitions ...string) error {
	var errs []error
	for _, partition := range partitions {
		err := d.update(ctx, partition, func(tx Tx) error {
			return tx.Delete(ctx, partition, id)
		})
		if err != nil {
			d.logger.Warnw("delete failed", "partition", partition, "id", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", partition, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of records in partition.
func (d *DB) Count(ctx context.Context, partition string) (int, error) {
	var n int
	err := d.view(ctx, partition, func(tx Tx) error {
		var err error
		n, err = tx.Count(ctx, partition)
		return err
	})
	return n, err
}

// IsEmpty reports whether partition has no records. An unavailable store is
// empty.
func (d *DB) IsEmpty(ctx context.Context, partition string) (bool, error) {
	n, err := d.Count(ctx, partition)
	if errors.Is(err, ErrStoreUnavailable) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// UpsertMerge shallow-merges rec over the stored record with the same id and
// writes the result. Merges on the same partition and id never interleave.
func (d *DB) UpsertMerge(ctx context.Context, partition string, rec Record) (Record, error) {
	if !d.Available() {
		return nil, ErrStoreUnavailable
	}
	id, ok := rec["id"]
	if !ok {
		return nil, fmt.Errorf("upsert %s: %w", partition, ErrMissingKey)
	}
	k, ok := KeyOf(id)
	if !ok {
		return nil, fmt.Errorf("upsert %s: %w", partition, ErrMissingKey)
	}

	lockKey := partition + "/" + k.Text
	if err := d.lock(ctx, lockKey); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", lockKey, err)
	}
	defer d.locks.Unlock(lockKey)

	var merged Record
	err := d.update(ctx, partition, func(tx Tx) error {
		existing, err := tx.Get(ctx, partition, id)
		switch {
		case errors.Is(err, ErrNotFound):
			merged = rec.Clone()
		case err != nil:
			return err
		default:
			merged = existing
			for field, v := range rec {
				merged[field] = v
			}
		}
		return tx.Put(ctx, partition, merged)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// lock acquires key, retrying until ctx ends.
func (d *DB) lock(ctx context.Context, key string) error {
	for {
		if d.locks.TryLock(key) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
