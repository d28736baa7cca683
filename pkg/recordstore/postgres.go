package recordstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// toPositional rewrites the RecordStore contract's `?` positional
// placeholders into pgx's native `$1, $2, ...` form. It walks the
// statement tracking single-quoted string literals so a literal `?`
// inside a quoted value is left untouched.
func toPositional(stmt string) string {
	if !strings.ContainsRune(stmt, '?') {
		return stmt
	}
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	inString := false
	n := 0
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PostgresRecordStore is the networked multi-node RecordStore driver.
type PostgresRecordStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRecordStore connects to dsn and applies the zone-scoped
// schema migrations.
func NewPostgresRecordStore(ctx context.Context, dsn string) (*PostgresRecordStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect recordstore: %w", err)
	}
	store := &PostgresRecordStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresRecordStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaPostgres)
	return err
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS rebac_tuples (
	id UUID PRIMARY KEY,
	zone_id UUID NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT NOT NULL,
	relation TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	subject_relation TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_rebac_tuples_object ON rebac_tuples(zone_id, object_type, object_id);
CREATE INDEX IF NOT EXISTS idx_rebac_tuples_subject ON rebac_tuples(zone_id, subject_type, subject_id);

CREATE TABLE IF NOT EXISTS rebac_group_closure (
	zone_id UUID NOT NULL,
	member_type TEXT NOT NULL,
	member_id TEXT NOT NULL,
	group_type TEXT NOT NULL,
	group_id TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (zone_id, member_type, member_id, group_type, group_id)
);
CREATE INDEX IF NOT EXISTS idx_rebac_closure_member ON rebac_group_closure(zone_id, member_type, member_id);

CREATE TABLE IF NOT EXISTS rebac_changelog (
	id UUID PRIMARY KEY,
	zone_id UUID NOT NULL,
	tuple_id UUID NOT NULL,
	action TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS version_history (
	id UUID PRIMARY KEY,
	zone_id UUID NOT NULL,
	path TEXT NOT NULL,
	version INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_version_history_path ON version_history(zone_id, path, version);

CREATE TABLE IF NOT EXISTS operation_log (
	op_id UUID PRIMARY KEY,
	zone_id UUID NOT NULL,
	subject_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	file_path TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	details JSONB,
	undo_state JSONB,
	undone BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_operation_log_path ON operation_log(zone_id, file_path, timestamp);

CREATE TABLE IF NOT EXISTS path_registry (
	path TEXT PRIMARY KEY,
	zone_id UUID NOT NULL,
	root_type TEXT NOT NULL,
	target_zone_id UUID,
	flags TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_enrollments (
	zone_id UUID NOT NULL,
	peer_kernel_id TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (zone_id, peer_kernel_id)
);
CREATE INDEX IF NOT EXISTS idx_peer_enrollments_hash ON peer_enrollments(zone_id, token_hash);
`

func (s *PostgresRecordStore) Exec(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (int64, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, toPositional(stmt), args...)
	if err != nil {
		return 0, kernel.Errorf(kernel.Internal, "recordstore.Exec", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresRecordStore) Query(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (Rows, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, toPositional(stmt), args...)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "recordstore.Query", err)
	}
	return &pgxRows{rows: rows}, nil
}

func (s *PostgresRecordStore) WithTx(ctx context.Context, zoneID uuid.UUID, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "recordstore.WithTx", err)
	}
	if err := fn(&pgxTx{tx: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return kernel.Errorf(kernel.Internal, "recordstore.WithTx", err)
	}
	return nil
}

func (s *PostgresRecordStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresRecordStore) Probe() metrics.PillarHealth {
	if err := s.pool.Ping(context.Background()); err != nil {
		return metrics.PillarHealth{Name: "recordstore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "recordstore", Healthy: true}
}

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Err() error             { return r.rows.Err() }
func (r *pgxRows) Close() error           { r.rows.Close(); return nil }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, toPositional(stmt), args...)
	if err != nil {
		return 0, kernel.Errorf(kernel.Internal, "recordstore.Tx.Exec", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, stmt string, args ...any) (Rows, error) {
	if err := checkZoneScoped(stmt); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, toPositional(stmt), args...)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "recordstore.Tx.Query", err)
	}
	return &pgxRows{rows: rows}, nil
}
