package offline

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrStoreUnavailable is returned when the backing storage cannot be opened
	// or was never configured. Callers treat it as a soft failure.
	ErrStoreUnavailable = errors.New("offline: store unavailable")
	// ErrBlocked is returned when another connection holds the database during
	// a version upgrade.
	ErrBlocked = errors.New("offline: store blocked by another connection")
	// ErrVersionDowngrade is returned when a store is opened at a lower version
	// than the one it was last opened with.
	ErrVersionDowngrade = errors.New("offline: requested version is lower than stored version")
	// ErrTxAborted is returned when a transaction could not be completed.
	ErrTxAborted = errors.New("offline: transaction aborted")
	// ErrTxDone is returned by operations on a committed or rolled back transaction.
	ErrTxDone = errors.New("offline: transaction already finished")
	// ErrNotFound is returned by Tx.Get when no record has the key.
	ErrNotFound = errors.New("offline: record not found")
	// ErrUnknownPartition is returned for partitions that do not exist or are
	// outside the transaction scope.
	ErrUnknownPartition = errors.New("offline: unknown partition")
	// ErrUnknownIndex is returned for indexes that were never created.
	ErrUnknownIndex = errors.New("offline: unknown index")
	// ErrMissingKey is returned when a record has no usable primary key.
	ErrMissingKey = errors.New("offline: record has no primary key")
	// ErrReadOnly is returned when writing through a read-only transaction.
	ErrReadOnly = errors.New("offline: write in read-only transaction")
	// ErrSchemaChange is returned when partitions or indexes are created
	// outside of an upgrade.
	ErrSchemaChange = errors.New("offline: schema changes are only allowed during upgrade")
)

// ============================================================================
// Records and keys
// ============================================================================

// Record is one JSON object held in a partition.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Lookup resolves a dotted key path such as "id" or "meta.owner".
func (r Record) Lookup(keyPath string) (any, bool) {
	var cur any = map[string]any(r)
	start := 0
	for i := 0; i <= len(keyPath); i++ {
		if i < len(keyPath) && keyPath[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			if rec, isRec := cur.(Record); isRec {
				m = rec
			} else {
				return nil, false
			}
		}
		cur, ok = m[keyPath[start:i]]
		if !ok || cur == nil {
			return nil, false
		}
		start = i + 1
	}
	return cur, true
}

// Key is a normalised primary or index key. Numeric keys order before string
// keys, and numerically among themselves.
type Key struct {
	Text    string
	Num     float64
	Numeric bool
}

// KeyOf normalises a key value. Integral numbers render in base 10 so that
// 7, 7.0 and "7" address the same record.
func KeyOf(v any) (Key, bool) {
	switch k := v.(type) {
	case string:
		if k == "" {
			return Key{}, false
		}
		if n, err := strconv.ParseFloat(k, 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
			return numericKey(n), true
		}
		return Key{Text: k}, true
	case float64:
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return Key{}, false
		}
		return numericKey(k), true
	case float32:
		return KeyOf(float64(k))
	case int:
		return numericKey(float64(k)), true
	case int64:
		return numericKey(float64(k)), true
	case int32:
		return numericKey(float64(k)), true
	case uint64:
		return numericKey(float64(k)), true
	case json.Number:
		return KeyOf(k.String())
	case Key:
		return k, k.Text != ""
	}
	return Key{}, false
}

func numericKey(n float64) Key {
	text := strconv.FormatFloat(n, 'f', -1, 64)
	return Key{Text: text, Num: n, Numeric: true}
}

// Less orders keys the way the store returns them from GetAll.
func (k Key) Less(o Key) bool {
	if k.Numeric != o.Numeric {
		return k.Numeric
	}
	if k.Numeric && k.Num != o.Num {
		return k.Num < o.Num
	}
	return k.Text < o.Text
}

// ============================================================================
// Schema
// ============================================================================

// PartitionSpec describes a partition and its secondary indexes.
type PartitionSpec struct {
	Name    string
	KeyPath string
	Indexes []IndexSpec
}

// IndexSpec describes a secondary index on a partition.
type IndexSpec struct {
	Name    string
	KeyPath string
}

// Index returns the index with the given name.
func (p PartitionSpec) Index(name string) (IndexSpec, bool) {
	for _, idx := range p.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

var keyPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func validKeyPath(kp string) bool { return keyPathPattern.MatchString(kp) }

// ============================================================================
// Store contract
// ============================================================================

// Mode is the access mode requested for a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Store is a versioned key-value store with named partitions.
type Store interface {
	// Version is the schema version the store was opened with.
	Version() int
	// Partitions lists the partitions created by migrations.
	Partitions() []PartitionSpec
	// Begin starts a transaction scoped to the named partitions.
	Begin(ctx context.Context, mode Mode, partitions ...string) (Tx, error)
	Close() error
}

// Tx is a transaction over one or more partitions. Every operation issued
// inside it succeeds or fails together on Commit.
type Tx interface {
	Get(ctx context.Context, partition string, key any) (Record, error)
	GetAll(ctx context.Context, partition string) ([]Record, error)
	// GetByIndex returns records whose indexed field equals key. A nil key
	// matches every record that has the field.
	GetByIndex(ctx context.Context, partition, index string, key any) ([]Record, error)
	Put(ctx context.Context, partition string, rec Record) error
	Delete(ctx context.Context, partition string, key any) error
	Count(ctx context.Context, partition string) (int, error)
	Commit() error
	Rollback() error
}

// UpgradeTx is the transaction handed to a MigrateFunc. It is the only place
// partitions and indexes can be created.
type UpgradeTx interface {
	Tx
	CreatePartition(ctx context.Context, name, keyPath string) error
	CreateIndex(ctx context.Context, partition, name, keyPath string) error
	HasPartition(name string) bool
}

// MigrateFunc upgrades a store from oldVersion to newVersion inside tx.
type MigrateFunc func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion int) error

// ============================================================================
// Shared helpers
// ============================================================================

// scope tracks which partitions a transaction may touch.
type scope map[string]PartitionSpec

func newScope(all []PartitionSpec, names []string) (scope, error) {
	byName := make(map[string]PartitionSpec, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	s := make(scope, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return nil, ErrUnknownPartition
		}
		s[n] = p
	}
	return s, nil
}

func (s scope) lookup(partition string) (PartitionSpec, error) {
	p, ok := s[partition]
	if !ok {
		return PartitionSpec{}, ErrUnknownPartition
	}
	return p, nil
}

func primaryKey(p PartitionSpec, rec Record) (Key, error) {
	v, ok := rec.Lookup(p.KeyPath)
	if !ok {
		return Key{}, ErrMissingKey
	}
	k, ok := KeyOf(v)
	if !ok {
		return Key{}, ErrMissingKey
	}
	return k, nil
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func sortPartitions(specs []PartitionSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
}
