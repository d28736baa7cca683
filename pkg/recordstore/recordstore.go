// Package recordstore implements the relational ACID pillar: zone-scoped
// SQL access with an embedded (sqlite) and a networked (postgres) driver
// behind the same contract.
package recordstore

import (
	"context"

	"github.com/google/uuid"
)

// Row is a single result row, scanned positionally in column order.
type Row interface {
	Scan(dest ...any) error
}

// Rows iterates a query result set.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Tx is a transaction handle scoped to a single zone.
type Tx interface {
	Exec(ctx context.Context, stmt string, args ...any) (rowsAffected int64, err error)
	Query(ctx context.Context, stmt string, args ...any) (Rows, error)
}

// RecordStore is the relational ACID contract. Every call is zone-scoped:
// drivers reject statements against zone-scoped tables that lack a
// `zone_id = ?` predicate (for INSERT, a zone_id column), so a caller that
// forgets the tenant predicate is stopped at the SQL layer. The check is
// lexical: it does not compare the bound zone_id value with zoneID.
type RecordStore interface {
	Exec(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (rowsAffected int64, err error)
	Query(ctx context.Context, zoneID uuid.UUID, stmt string, args ...any) (Rows, error)
	WithTx(ctx context.Context, zoneID uuid.UUID, fn func(Tx) error) error
	Close() error
}
