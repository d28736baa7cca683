package oplog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/log"
)

// MetadataLookup is the narrow slice of MetadataStore the recovery pass
// needs: whether a path currently has a FileMetadata row at all.
type MetadataLookup interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
}

// QuarantinedEntry is one operation log entry the recovery pass could not
// reconcile against current metadata.
type QuarantinedEntry struct {
	OpID     string
	FilePath string
	OpType   kernel.OpType
	Reason   string
}

// RecoveryReport summarizes one Recover pass over a zone.
type RecoveryReport struct {
	ZoneID     string
	Scanned    int
	Quarantine []QuarantinedEntry
}

// Recover replays the tail of zoneID's operation log against current
// metadata, looking for divergence a crash mid-write could leave behind:
// a non-delete, non-undone entry whose path has no FileMetadata row at
// all. It does not attempt automatic repair — a divergent entry is a sign
// the corresponding metadata mutation never landed or was later removed by
// a path the log disagrees with — it only reports what it found. A
// bounded one-shot pass over RecordStore rows, run on demand by
// nexus-admin oplog verify; nothing runs it at startup.
func (l *Log) Recover(ctx context.Context, zoneID string, meta MetadataLookup, since time.Time) (RecoveryReport, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return RecoveryReport{}, kernel.Errorf(kernel.InvalidArgument, "oplog.Recover", err).WithPath(zoneID)
	}

	rows, err := l.rs.Query(ctx, zid,
		`SELECT op_id, zone_id, subject_id, op_type, file_path, timestamp, details, undo_state, undone
		 FROM operation_log WHERE zone_id = ? AND timestamp >= ? AND undone = FALSE AND op_type != ?
		 ORDER BY timestamp ASC`,
		zoneID, since, string(kernel.OpDelete))
	if err != nil {
		return RecoveryReport{}, err
	}
	defer rows.Close()

	report := RecoveryReport{ZoneID: zoneID}
	latestByPath := make(map[string]kernel.OperationLogEntry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return RecoveryReport{}, err
		}
		report.Scanned++
		latestByPath[entry.FilePath] = entry
	}
	if err := rows.Err(); err != nil {
		return RecoveryReport{}, err
	}

	for path, entry := range latestByPath {
		if _, err := meta.Get(ctx, zoneID, path); err != nil {
			if !kernel.IsNotFound(err) {
				return RecoveryReport{}, err
			}
			q := QuarantinedEntry{
				OpID:     entry.OpID,
				FilePath: path,
				OpType:   entry.OpType,
				Reason:   "metadata row missing for non-delete operation",
			}
			report.Quarantine = append(report.Quarantine, q)
			log.WithComponent("oplog-recovery").Warn().
				Str("op_id", q.OpID).
				Str("path", q.FilePath).
				Str("op_type", string(q.OpType)).
				Str("reason", q.Reason).
				Msg("quarantined divergent operation")
		}
	}

	return report, nil
}
