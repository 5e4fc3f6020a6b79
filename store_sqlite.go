package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS _partitions (
	name     TEXT PRIMARY KEY,
	key_path TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS _indexes (
	partition TEXT NOT NULL,
	name      TEXT NOT NULL,
	key_path  TEXT NOT NULL,
	PRIMARY KEY (partition, name)
);
CREATE TABLE IF NOT EXISTS records (
	partition TEXT NOT NULL,
	key       TEXT NOT NULL,
	num       REAL,
	value     TEXT NOT NULL,
	PRIMARY KEY (partition, key)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS record_index (
	partition TEXT NOT NULL,
	idx       TEXT NOT NULL,
	ikey      TEXT NOT NULL,
	rkey      TEXT NOT NULL,
	PRIMARY KEY (partition, idx, ikey, rkey)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS record_index_by_record ON record_index (partition, rkey);
`

// sqliteStore persists partitions in a single SQLite file. Secondary index
// entries are maintained in record_index on every write.
type sqliteStore struct {
	db      *sql.DB
	path    string
	version int
	specs   []PartitionSpec
}

// OpenSQLite opens or creates the store at path and upgrades it to version.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - a 5-second busy timeout for lock contention
//   - a single connection, so single-record operations are atomic
func OpenSQLite(ctx context.Context, path string, version int, migrate MigrateFunc) (Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySQLitePragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", classifySQLite(err))
	}

	s := &sqliteStore{db: db, path: path}
	if err := s.open(ctx, version, migrate); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, classifySQLite(err))
		}
	}
	return nil
}

// classifySQLite maps lock contention onto ErrBlocked.
func classifySQLite(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrBlocked, err)
	}
	return err
}

func (s *sqliteStore) open(ctx context.Context, version int, migrate MigrateFunc) error {
	var stored int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("get user_version: %w", classifySQLite(err))
	}
	if version < stored {
		return fmt.Errorf("open %s at v%d (stored v%d): %w", s.path, version, stored, ErrVersionDowngrade)
	}

	specs, err := loadSQLiteSpecs(ctx, s.db)
	if err != nil {
		return err
	}
	s.specs = specs

	if version > stored {
		if err := s.upgrade(ctx, stored, version, migrate); err != nil {
			return err
		}
		if s.specs, err = loadSQLiteSpecs(ctx, s.db); err != nil {
			return err
		}
	}
	s.version = version
	return nil
}

func (s *sqliteStore) upgrade(ctx context.Context, oldVersion, newVersion int, migrate MigrateFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade: %w", classifySQLite(err))
	}
	sc := make(scope, len(s.specs))
	for _, p := range s.specs {
		sc[p.Name] = p
	}
	tx := &sqliteTx{tx: sqlTx, mode: ReadWrite, scope: sc, upgrade: true}

	if migrate != nil {
		if err := migrate(ctx, tx, oldVersion, newVersion); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upgrade v%d to v%d: %w", oldVersion, newVersion, classifySQLite(err))
		}
	}
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set user_version: %w", classifySQLite(err))
	}
	return tx.Commit()
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSQLiteSpecs(ctx context.Context, q sqlQueryer) ([]PartitionSpec, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, key_path FROM _partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load partitions: %w", classifySQLite(err))
	}
	var specs []PartitionSpec
	byName := make(map[string]int)
	for rows.Next() {
		var p PartitionSpec
		if err := rows.Scan(&p.Name, &p.KeyPath); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		byName[p.Name] = len(specs)
		specs = append(specs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT partition, name, key_path FROM _indexes ORDER BY partition, name`)
	if err != nil {
		return nil, fmt.Errorf("load indexes: %w", classifySQLite(err))
	}
	defer rows.Close()
	for rows.Next() {
		var partition string
		var idx IndexSpec
		if err := rows.Scan(&partition, &idx.Name, &idx.KeyPath); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		if i, ok := byName[partition]; ok {
			specs[i].Indexes = append(specs[i].Indexes, idx)
		}
	}
	return specs, rows.Err()
}

func (s *sqliteStore) Version() int { return s.version }

func (s *sqliteStore) Partitions() []PartitionSpec {
	out := make([]PartitionSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

func (s *sqliteStore) Begin(ctx context.Context, mode Mode, partitions ...string) (Tx, error) {
	sc, err := newScope(s.specs, partitions)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", mode, err)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return nil, ErrStoreUnavailable
		}
		return nil, fmt.Errorf("begin %s: %w", mode, classifySQLite(err))
	}
	return &sqliteTx{tx: sqlTx, mode: mode, scope: sc}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// Transaction
// ============================================================================

type sqliteTx struct {
	tx      *sql.Tx
	mode    Mode
	scope   scope
	upgrade bool
	done    bool
}

func (tx *sqliteTx) partition(name string) (PartitionSpec, error) {
	if tx.done {
		return PartitionSpec{}, ErrTxDone
	}
	return tx.scope.lookup(name)
}

func (tx *sqliteTx) writable(name string) (PartitionSpec, error) {
	p, err := tx.partition(name)
	if err != nil {
		return p, err
	}
	if tx.mode != ReadWrite {
		return p, ErrReadOnly
	}
	return p, nil
}

func (tx *sqliteTx) Get(ctx context.Context, partition string, key any) (Record, error) {
	if _, err := tx.partition(partition); err != nil {
		return nil, err
	}
	k, ok := KeyOf(key)
	if !ok {
		return nil, ErrNotFound
	}
	var value []byte
	err := tx.tx.QueryRowContext(ctx,
		`SELECT value FROM records WHERE partition = ? AND key = ?`, partition, k.Text).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", partition, k.Text, classifySQLite(err))
	}
	return decodeRecord(value)
}

func (tx *sqliteTx) GetAll(ctx context.Context, partition string) ([]Record, error) {
	if _, err := tx.partition(partition); err != nil {
		return nil, err
	}
	return tx.query(ctx, `SELECT value FROM records WHERE partition = ?
		ORDER BY num IS NULL, num, key`, partition)
}

func (tx *sqliteTx) GetByIndex(ctx context.Context, partition, index string, key any) ([]Record, error) {
	p, err := tx.partition(partition)
	if err != nil {
		return nil, err
	}
	if _, ok := p.Index(index); !ok {
		return nil, fmt.Errorf("%s.%s: %w", partition, index, ErrUnknownIndex)
	}
	const base = `SELECT r.value FROM record_index i
		JOIN records r ON r.partition = i.partition AND r.key = i.rkey
		WHERE i.partition = ? AND i.idx = ?`
	const order = ` ORDER BY r.num IS NULL, r.num, r.key`
	if key == nil {
		return tx.query(ctx, base+order, partition, index)
	}
	k, ok := KeyOf(key)
	if !ok {
		return []Record{}, nil
	}
	return tx.query(ctx, base+` AND i.ikey = ?`+order, partition, index, k.Text)
}

func (tx *sqliteTx) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := tx.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (tx *sqliteTx) Put(ctx context.Context, partition string, rec Record) error {
	p, err := tx.writable(partition)
	if err != nil {
		return err
	}
	k, err := primaryKey(p, rec)
	if err != nil {
		return fmt.Errorf("put %s: %w", partition, err)
	}
	value, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", partition, k.Text, err)
	}
	num := sql.NullFloat64{Float64: k.Num, Valid: k.Numeric}
	if _, err := tx.tx.ExecContext(ctx, `INSERT INTO records (partition, key, num, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (partition, key) DO UPDATE SET num = excluded.num, value = excluded.value`,
		partition, k.Text, num, string(value)); err != nil {
		return fmt.Errorf("put %s/%s: %w", partition, k.Text, classifySQLite(err))
	}
	return tx.reindex(ctx, p, k.Text, rec)
}

// reindex rewrites the index entries of one record.
func (tx *sqliteTx) reindex(ctx context.Context, p PartitionSpec, rkey string, rec Record) error {
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE partition = ? AND rkey = ?`, p.Name, rkey); err != nil {
		return classifySQLite(err)
	}
	for _, idx := range p.Indexes {
		if err := tx.indexRecord(ctx, p.Name, idx, rkey, rec); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTx) indexRecord(ctx context.Context, partition string, idx IndexSpec, rkey string, rec Record) error {
	v, ok := rec.Lookup(idx.KeyPath)
	if !ok {
		return nil
	}
	ik, ok := KeyOf(v)
	if !ok {
		return nil
	}
	_, err := tx.tx.ExecContext(ctx, `INSERT OR IGNORE INTO record_index (partition, idx, ikey, rkey)
		VALUES (?, ?, ?, ?)`, partition, idx.Name, ik.Text, rkey)
	return classifySQLite(err)
}

func (tx *sqliteTx) Delete(ctx context.Context, partition string, key any) error {
	if _, err := tx.writable(partition); err != nil {
		return err
	}
	k, ok := KeyOf(key)
	if !ok {
		return nil
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM records WHERE partition = ? AND key = ?`, partition, k.Text); err != nil {
		return fmt.Errorf("delete %s/%s: %w", partition, k.Text, classifySQLite(err))
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE partition = ? AND rkey = ?`, partition, k.Text); err != nil {
		return fmt.Errorf("delete %s/%s index: %w", partition, k.Text, classifySQLite(err))
	}
	return nil
}

func (tx *sqliteTx) Count(ctx context.Context, partition string) (int, error) {
	if _, err := tx.partition(partition); err != nil {
		return 0, err
	}
	var n int
	err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE partition = ?`, partition).Scan(&n)
	if err != nil {
		return 0, classifySQLite(err)
	}
	return n, nil
}

func (tx *sqliteTx) CreatePartition(ctx context.Context, name, keyPath string) error {
	if !tx.upgrade {
		return ErrSchemaChange
	}
	if !validKeyPath(keyPath) {
		return fmt.Errorf("create partition %s: invalid key path %q", name, keyPath)
	}
	if tx.HasPartition(name) {
		return nil
	}
	if _, err := tx.tx.ExecContext(ctx, `INSERT INTO _partitions (name, key_path) VALUES (?, ?)`, name, keyPath); err != nil {
		return fmt.Errorf("create partition %s: %w", name, classifySQLite(err))
	}
	tx.scope[name] = PartitionSpec{Name: name, KeyPath: keyPath}
	return nil
}

func (tx *sqliteTx) CreateIndex(ctx context.Context, partition, name, keyPath string) error {
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
	if _, err := tx.tx.ExecContext(ctx, `INSERT INTO _indexes (partition, name, key_path) VALUES (?, ?, ?)`,
		partition, name, keyPath); err != nil {
		return fmt.Errorf("create index %s.%s: %w", partition, name, classifySQLite(err))
	}
	idx := IndexSpec{Name: name, KeyPath: keyPath}
	p.Indexes = append(append([]IndexSpec(nil), p.Indexes...), idx)
	tx.scope[partition] = p

	// Backfill entries for records written before the index existed.
	rows, err := tx.tx.QueryContext(ctx, `SELECT key, value FROM records WHERE partition = ?`, partition)
	if err != nil {
		return classifySQLite(err)
	}
	type pending struct {
		key string
		rec Record
	}
	var existing []pending
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return err
		}
		rec, err := decodeRecord(value)
		if err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, pending{key: key, rec: rec})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range existing {
		if err := tx.indexRecord(ctx, partition, idx, e.key, e.rec); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTx) HasPartition(name string) bool {
	_, ok := tx.scope[name]
	return ok
}

func (tx *sqliteTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if err := tx.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrTxAborted, classifySQLite(err))
	}
	return nil
}

func (tx *sqliteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if err := tx.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
