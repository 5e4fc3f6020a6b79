package offline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryStore keeps partitions in process memory. Records are held encoded
// so readers never share maps with writers.
type memoryStore struct {
	mu      sync.RWMutex
	name    string
	version int
	specs   map[string]PartitionSpec
	data    map[string]map[string]memoryEntry
	closed  bool
}

type memoryEntry struct {
	key   Key
	value []byte
}

// OpenMemory opens a volatile store and runs migrate from version 0.
func OpenMemory(ctx context.Context, name string, version int, migrate MigrateFunc) (Store, error) {
	s := &memoryStore{
		name:  name,
		specs: make(map[string]PartitionSpec),
		data:  make(map[string]map[string]memoryEntry),
	}
	if version < 0 {
		return nil, fmt.Errorf("open %s: %w", name, ErrVersionDowngrade)
	}
	if version == 0 || migrate == nil {
		s.version = version
		return s, nil
	}

	// Nothing else can see the store before OpenMemory returns, so the
	// upgrade runs unlocked and is applied in one step afterwards.
	tx := &memoryTx{store: s, mode: ReadWrite, upgrade: true, writes: make(map[string]map[string]*memoryEntry)}
	if err := migrate(ctx, tx, 0, version); err != nil {
		return nil, fmt.Errorf("upgrade %s to v%d: %w", name, version, err)
	}
	s.mu.Lock()
	err := tx.apply()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.version = version
	return s, nil
}

func (s *memoryStore) Version() int { return s.version }

func (s *memoryStore) Partitions() []PartitionSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PartitionSpec, 0, len(s.specs))
	for _, p := range s.specs {
		out = append(out, p)
	}
	sortPartitions(out)
	return out
}

func (s *memoryStore) Begin(ctx context.Context, mode Mode, partitions ...string) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if mode == ReadWrite {
		s.mu.Lock()
	} else {
		s.mu.RLock()
	}
	unlock := func() {
		if mode == ReadWrite {
			s.mu.Unlock()
		} else {
			s.mu.RUnlock()
		}
	}
	if s.closed {
		unlock()
		return nil, ErrStoreUnavailable
	}
	all := make([]PartitionSpec, 0, len(s.specs))
	for _, p := range s.specs {
		all = append(all, p)
	}
	sc, err := newScope(all, partitions)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	return &memoryTx{
		store:  s,
		mode:   mode,
		scope:  sc,
		unlock: unlock,
		writes: make(map[string]map[string]*memoryEntry),
	}, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryTx holds the store lock from Begin until Commit or Rollback. Writes
// are staged and applied on Commit.
type memoryTx struct {
	store   *memoryStore
	mode    Mode
	scope   scope
	upgrade bool
	unlock  func()
	done    bool

	writes   map[string]map[string]*memoryEntry // nil entry marks a delete
	newSpecs []PartitionSpec
	newIdx   map[string][]IndexSpec
}

func (tx *memoryTx) partition(name string) (PartitionSpec, error) {
	if tx.done {
		return PartitionSpec{}, ErrTxDone
	}
	if tx.upgrade {
		if p, ok := tx.store.specs[name]; ok {
			p.Indexes = append(append([]IndexSpec(nil), p.Indexes...), tx.newIdx[name]...)
			return p, nil
		}
		for _, p := range tx.newSpecs {
			if p.Name == name {
				p.Indexes = append(p.Indexes, tx.newIdx[name]...)
				return p, nil
			}
		}
		return PartitionSpec{}, ErrUnknownPartition
	}
	return tx.scope.lookup(name)
}

// view merges committed data with staged writes for one partition.
func (tx *memoryTx) view(name string) map[string]memoryEntry {
	out := make(map[string]memoryEntry, len(tx.store.data[name]))
	for k, e := range tx.store.data[name] {
		out[k] = e
	}
	for k, e := range tx.writes[name] {
		if e == nil {
			delete(out, k)
		} else {
			out[k] = *e
		}
	}
	return out
}

func (tx *memoryTx) Get(ctx context.Context, partition string, key any) (Record, error) {
	if _, err := tx.partition(partition); err != nil {
		return nil, err
	}
	k, ok := KeyOf(key)
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := tx.view(partition)[k.Text]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeRecord(e.value)
}

func (tx *memoryTx) GetAll(ctx context.Context, partition string) ([]Record, error) {
	if _, err := tx.partition(partition); err != nil {
		return nil, err
	}
	return decodeSorted(tx.view(partition), nil)
}

func (tx *memoryTx) GetByIndex(ctx context.Context, partition, index string, key any) ([]Record, error) {
	p, err := tx.partition(partition)
	if err != nil {
		return nil, err
	}
	idx, ok := p.Index(index)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", partition, index, ErrUnknownIndex)
	}
	var want *Key
	if key != nil {
		k, ok := KeyOf(key)
		if !ok {
			return []Record{}, nil
		}
		want = &k
	}
	return decodeSorted(tx.view(partition), func(rec Record) bool {
		v, ok := rec.Lookup(idx.KeyPath)
		if !ok {
			return false
		}
		got, ok := KeyOf(v)
		if !ok {
			return false
		}
		return want == nil || got.Text == want.Text
	})
}

func decodeSorted(entries map[string]memoryEntry, keep func(Record) bool) ([]Record, error) {
	sorted := make([]memoryEntry, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].key.Less(sorted[j].key) })
	out := make([]Record, 0, len(sorted))
	for _, e := range sorted {
		rec, err := decodeRecord(e.value)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *memoryTx) Put(ctx context.Context, partition string, rec Record) error {
	p, err := tx.partition(partition)
	if err != nil {
		return err
	}
	if tx.mode != ReadWrite {
		return ErrReadOnly
	}
	k, err := primaryKey(p, rec)
	if err != nil {
		return fmt.Errorf("put %s: %w", partition, err)
	}
	value, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", partition, k.Text, err)
	}
	tx.stage(partition, k.Text, &memoryEntry{key: k, value: value})
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, partition string, key any) error {
	if _, err := tx.partition(partition); err != nil {
		return err
	}
	if tx.mode != ReadWrite {
		return ErrReadOnly
	}
	k, ok := KeyOf(key)
	if !ok {
		return nil
	}
	tx.stage(partition, k.Text, nil)
	return nil
}

func (tx *memoryTx) stage(partition, key string, e *memoryEntry) {
	if tx.writes[partition] == nil {
		tx.writes[partition] = make(map[string]*memoryEntry)
	}
	tx.writes[partition][key] = e
}

func (tx *memoryTx) Count(ctx context.Context, partition string) (int, error) {
	if _, err := tx.partition(partition); err != nil {
		return 0, err
	}
	return len(tx.view(partition)), nil
}

func (tx *memoryTx) CreatePartition(ctx context.Context, name, keyPath string) error {
	if !tx.upgrade {
		return ErrSchemaChange
	}
	if !validKeyPath(keyPath) {
		return fmt.Errorf("create partition %s: invalid key path %q", name, keyPath)
	}
	if tx.HasPartition(name) {
		return nil
	}
	tx.newSpecs = append(tx.newSpecs, PartitionSpec{Name: name, KeyPath: keyPath})
	return nil
}

func (tx *memoryTx) CreateIndex(ctx context.Context, partition, name, keyPath string) error {
	if !tx.upgrade {
		return ErrSchemaChange
	}
	if !validKeyPath(keyPath) {
		return fmt.Errorf("create index %s.%s: invalid key path %q", partition, name, keyPath)
	}
	p, err := tx.partition(partition)
	if err != nil {
		return fmt.Errorf("create index %s.%s: %w", partition, name, err)
	}
	if _, exists := p.Index(name); exists {
		return nil
	}
	if tx.newIdx == nil {
		tx.newIdx = make(map[string][]IndexSpec)
	}
	tx.newIdx[partition] = append(tx.newIdx[partition], IndexSpec{Name: name, KeyPath: keyPath})
	return nil
}

func (tx *memoryTx) HasPartition(name string) bool {
	if _, ok := tx.store.specs[name]; ok {
		return true
	}
	for _, p := range tx.newSpecs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// apply folds staged schema and data changes into the store. The caller holds
// the write lock.
func (tx *memoryTx) apply() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	for _, p := range tx.newSpecs {
		tx.store.specs[p.Name] = p
		tx.store.data[p.Name] = make(map[string]memoryEntry)
	}
	for name, idx := range tx.newIdx {
		p := tx.store.specs[name]
		p.Indexes = append(p.Indexes, idx...)
		tx.store.specs[name] = p
	}
	for partition, writes := range tx.writes {
		if tx.store.data[partition] == nil {
			tx.store.data[partition] = make(map[string]memoryEntry)
		}
		for k, e := range writes {
			if e == nil {
				delete(tx.store.data[partition], k)
			} else {
				tx.store.data[partition][k] = *e
			}
		}
	}
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.upgrade {
		return nil
	}
	defer tx.unlock()
	if tx.mode != ReadWrite {
		tx.done = true
		return nil
	}
	return tx.apply()
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.unlock != nil {
		tx.unlock()
	}
	return nil
}
