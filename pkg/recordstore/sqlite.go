package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// SQLiteRecordStore is the embedded single-node RecordStore driver, pure Go
// (no cgo) via modernc.org/sqlite.
type SQLiteRecordStore struct {
	db *sql.DB
}

// NewSQLiteRecordStore opens (creating if absent) a sqlite file under
// dataDir and applies the schema migrations needed for zone-scoped tables.
func NewSQLiteRecordStore(dataDir string) (*SQLiteRecordStore, error) {
	path := filepath.Join(dataDir, "recordstore.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recordstore db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per-file anyway

	store := &SQLiteRecordStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteRecordStore) migrate() error {
	_, err := s.db.Exec(schemaSQLite)
	return err
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS rebac_tuples (
	id TEXT PRIMARY KEY,
	zone_id TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_relation TEXT,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rebac_tuples_object ON rebac_tuples(zone_id, object_type, object_id);
CREATE INDEX IF NOT EXISTS idx_rebac_tuples_subject ON rebac_tuples(zone_id, subject_type, subject_id);

CREATE TABLE IF NOT EXISTS rebac_group_closure (
	zone_id TEXT NOT NULL,
	member_type TEXT NOT NULL,
	member_id TEXT NOT NULL,
	group_type TEXT NOT NULL,
	group_id TEXT NOT NULL,
	computed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (zone_id, member_type, member_id, group_type, group_id)
);
CREATE INDEX IF NOT EXISTS idx_rebac_closure_member ON rebac_group_closure(zone_id, member_type, member_id);

CREATE TABLE IF NOT EXISTS rebac_changelog (
	id TEXT PRIMARY KEY,
	zone_id TEXT NOT NULL,
	tuple_id TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS version_history (
	id TEXT PRIMARY KEY,
	zone_id TEXT NOT NULL,
	path TEXT NOT NULL,
	version INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_version_history_path ON version_history(zone_id, path, version);

CREATE TABLE IF NOT EXISTS operation_log (
	op_id TEXT PRIMARY KEY,
	zone_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	file_path TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	details TEXT,
	undo_state TEXT,
	undone BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_operation_log_path ON operation_log(zone_id, file_path, timestamp);

CREATE TABLE IF NOT EXISTS path_registry (
	path TEXT PRIMARY KEY,
	zone_id TEXT NOT NULL,
	root_type TEXT NOT NULL,
	target_zone_id TEXT,
	flags TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_enrollments (
	zone_id TEXT NOT NULL,
	peer_kernel_id TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (zone_id, peer_kernel_id)
);
CREATE INDEX IF NOT EXISTS idx_peer_enrollments_hash ON peer_enrollments(zone_id, token_hash);
`

func (s *SQLiteRecordStore) Exec(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (int64, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, kernel.Errorf(kernel.Internal, "recordstore.Exec", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteRecordStore) Query(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (Rows, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "recordstore.Query", err)
	}
	return &sqlRows{rows: rows}, nil
}

func (s *SQLiteRecordStore) WithTx(ctx context.Context, zoneID uuid.UUID, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "recordstore.WithTx", err)
	}
	if err := fn(&sqlTx{tx: tx, ctx: ctx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return kernel.Errorf(kernel.Internal, "recordstore.WithTx", err)
	}
	return nil
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRecordStore) Probe() metrics.PillarHealth {
	if err := s.db.Ping(); err != nil {
		return metrics.PillarHealth{Name: "recordstore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "recordstore", Healthy: true}
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Err() error             { return r.rows.Err() }
func (r *sqlRows) Close() error           { return r.rows.Close() }

type sqlTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *sqlTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, kernel.Errorf(kernel.Internal, "recordstore.Tx.Exec", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) Query(ctx context.Context, stmt string, args ...any) (Rows, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "recordstore.Tx.Query", err)
	}
	return &sqlRows{rows: rows}, nil
}
