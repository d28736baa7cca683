// Package oplog implements the operation log and version history: an
// append-only record of every mutation, sufficient to undo the most recent
// change to any path and to read a file's content as of an earlier time.
package oplog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

// Log is the operation log and version history, backed by RecordStore.
type Log struct {
	rs recordstore.RecordStore
}

// New wires an operation log over a RecordStore.
func New(rs recordstore.RecordStore) *Log {
	return &Log{rs: rs}
}

// Append writes a new OperationLogEntry. The caller is responsible for
// coordinating this with the corresponding metadata mutation — see
// pkg/kernel/txn.go for the coordination helper. The raft Metastore's FSM
// does not carry this append, so the same holds on the multi-node path.
func (l *Log) Append(ctx context.Context, zoneID string, entry kernel.OperationLogEntry) error {
	if entry.OpID == "" {
		entry.OpID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "oplog.Append", err)
	}
	undoState, err := json.Marshal(entry.UndoState)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "oplog.Append", err)
	}

	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "oplog.Append", err).WithPath(zoneID)
	}

	_, err = l.rs.Exec(ctx,
		zid,
		`INSERT INTO operation_log (op_id, zone_id, subject_id, op_type, file_path, timestamp, details, undo_state, undone)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		entry.OpID, zoneID, entry.SubjectID, string(entry.OpType), entry.FilePath, entry.Timestamp, string(details), string(undoState))
	if err != nil {
		return err
	}

	metrics.OplogAppendsTotal.WithLabelValues(string(entry.OpType)).Inc()
	return nil
}

// Get loads an OperationLogEntry by op_id.
func (l *Log) Get(ctx context.Context, zoneID, opID string) (kernel.OperationLogEntry, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.OperationLogEntry{}, kernel.Errorf(kernel.InvalidArgument, "oplog.Get", err)
	}

	rows, err := l.rs.Query(ctx, zid,
		`SELECT op_id, zone_id, subject_id, op_type, file_path, timestamp, details, undo_state, undone
		 FROM operation_log WHERE zone_id = ? AND op_id = ?`, zoneID, opID)
	if err != nil {
		return kernel.OperationLogEntry{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return kernel.OperationLogEntry{}, kernel.Errorf(kernel.NotFound, "oplog.Get", nil).WithPath(opID)
	}
	return scanEntry(rows)
}

func scanEntry(rows recordstore.Rows) (kernel.OperationLogEntry, error) {
	var e kernel.OperationLogEntry
	var opType, details, undoState string
	if err := rows.Scan(&e.OpID, &e.ZoneID, &e.SubjectID, &opType, &e.FilePath, &e.Timestamp, &details, &undoState, &e.Undone); err != nil {
		return kernel.OperationLogEntry{}, kernel.Errorf(kernel.Internal, "oplog.scanEntry", err)
	}
	e.OpType = kernel.OpType(opType)
	if details != "" {
		json.Unmarshal([]byte(details), &e.Details)
	}
	if undoState != "" {
		json.Unmarshal([]byte(undoState), &e.UndoState)
	}
	return e, nil
}

// MarkUndone sets undone = true for op_id, failing AlreadyUndone if it was
// already set. Nexus represents AlreadyUndone as a kernel.Conflict — see
// DESIGN.md's Open Question decision.
func (l *Log) MarkUndone(ctx context.Context, zoneID, opID string) error {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "oplog.MarkUndone", err)
	}

	n, err := l.rs.Exec(ctx, zid,
		`UPDATE operation_log SET undone = TRUE WHERE zone_id = ? AND op_id = ? AND undone = FALSE`,
		zoneID, opID)
	if err != nil {
		return err
	}
	if n == 0 {
		return kernel.Errorf(kernel.Conflict, "oplog.MarkUndone", nil).WithPath(opID)
	}
	metrics.OplogUndosTotal.Inc()
	return nil
}

// MetadataApplier is the subset of pkg/metadata.Store that Undo needs to
// re-apply a prior FileMetadata state. Undo takes it as a parameter rather
// than holding it as a field so that pkg/fsm, which owns the wiring of
// metadata, CAS and ReBAC together, stays the single place that assembles
// those dependencies.
type MetadataApplier interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
	Put(ctx context.Context, fm kernel.FileMetadata, expectedEtag string) (string, error)
	Delete(ctx context.Context, zoneID, path, expectedEtag string) error
	SetTag(ctx context.Context, zoneID, path, key, value string) error
	DeleteTag(ctx context.Context, zoneID, path, key string) error
}

// ContentRetainer is the subset of pkg/cas.Engine that Undo needs to adjust
// refcounts when a write or delete is reversed.
type ContentRetainer interface {
	Retain(ctx context.Context, hash string) error
	Release(ctx context.Context, hash string) error
}

// PermissionChecker reports whether a subject currently holds write on a
// path. Undo must check this even though the original operation already
// passed its own permission check, since permissions can change between
// the original operation and the undo request.
type PermissionChecker interface {
	CanWrite(ctx context.Context, opctx kernel.OperationContext, zoneID, path string) (bool, error)
}

// Undo reverses the most recent effect of op_id: load the row, fail
// AlreadyUndone if it was already reversed,
// check that the caller currently holds write on the target path, apply
// the inverse mutation recorded in undo_state, append a new op_type=undo
// entry carrying redo data, and mark the original row undone.
func (l *Log) Undo(ctx context.Context, opctx kernel.OperationContext, opID string, meta MetadataApplier, content ContentRetainer, perm PermissionChecker) error {
	entry, err := l.Get(ctx, opctx.ZoneID, opID)
	if err != nil {
		return err
	}
	if entry.Undone {
		return kernel.Errorf(kernel.Conflict, "oplog.Undo", nil).WithPath(opID)
	}

	allowed, err := perm.CanWrite(ctx, opctx, opctx.ZoneID, entry.FilePath)
	if err != nil {
		return err
	}
	if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "oplog.Undo", nil).WithPath(entry.FilePath)
	}

	redo, err := applyInverse(ctx, opctx, entry, meta, content)
	if err != nil {
		return err
	}

	if err := l.Append(ctx, opctx.ZoneID, kernel.OperationLogEntry{
		ZoneID:    opctx.ZoneID,
		SubjectID: opctx.SubjectID,
		OpType:    kernel.OpUndo,
		FilePath:  entry.FilePath,
		UndoState: redo,
		Details:   map[string]any{"undoes": entry.OpID, "original_op_type": string(entry.OpType)},
	}); err != nil {
		return err
	}

	return l.MarkUndone(ctx, opctx.ZoneID, opID)
}

// applyInverse applies the mutation described by entry.UndoState and
// returns the redo data (the state the original operation replaced, i.e.
// the state needed to undo this undo).
func applyInverse(ctx context.Context, opctx kernel.OperationContext, entry kernel.OperationLogEntry, meta MetadataApplier, content ContentRetainer) (map[string]any, error) {
	switch entry.OpType {
	case kernel.OpWrite:
		current, err := meta.Get(ctx, opctx.ZoneID, entry.FilePath)
		if err != nil {
			return nil, err
		}
		redo := map[string]any{
			"content_hash": current.ContentHash,
			"size_bytes":   current.SizeBytes,
			"etag":         current.Etag,
		}

		newHash := current.ContentHash
		priorHash, _ := entry.UndoState["content_hash"].(string)
		priorSize, _ := entry.UndoState["size_bytes"].(float64)

		if priorHash == "" {
			// the write created the file; undoing it deletes it
			if err := meta.Delete(ctx, opctx.ZoneID, entry.FilePath, current.Etag); err != nil {
				return nil, err
			}
		} else {
			if err := content.Retain(ctx, priorHash); err != nil {
				return nil, err
			}
			current.ContentHash = priorHash
			current.SizeBytes = int64(priorSize)
			current.ModifiedAt = time.Now()
			if _, err := meta.Put(ctx, current, current.Etag); err != nil {
				return nil, err
			}
		}
		if newHash != "" {
			if err := content.Release(ctx, newHash); err != nil && !kernel.IsNotFound(err) {
				return nil, err
			}
		}
		return redo, nil

	case kernel.OpMkdir:
		current, err := meta.Get(ctx, opctx.ZoneID, entry.FilePath)
		if err != nil {
			return nil, err
		}
		redo := map[string]any{"file_metadata": current}
		if err := meta.Delete(ctx, opctx.ZoneID, entry.FilePath, current.Etag); err != nil {
			return nil, err
		}
		return redo, nil

	case kernel.OpDelete:
		var prior kernel.FileMetadata
		raw, _ := json.Marshal(entry.UndoState["file_metadata"])
		if err := json.Unmarshal(raw, &prior); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "oplog.applyInverse", err).WithPath(entry.FilePath)
		}
		if prior.ContentHash != "" {
			if err := content.Retain(ctx, prior.ContentHash); err != nil {
				return nil, err
			}
		}
		if _, err := meta.Put(ctx, prior, ""); err != nil {
			return nil, err
		}
		return map[string]any{"file_metadata": prior}, nil

	case kernel.OpRename:
		current, err := meta.Get(ctx, opctx.ZoneID, entry.FilePath)
		if err != nil {
			return nil, err
		}
		priorPath, _ := entry.UndoState["prior_path"].(string)
		redo := map[string]any{"prior_path": entry.FilePath}
		current.VirtualPath = priorPath
		if _, err := meta.Put(ctx, current, ""); err != nil {
			return nil, err
		}
		if err := meta.Delete(ctx, opctx.ZoneID, entry.FilePath, ""); err != nil && !kernel.IsNotFound(err) {
			return nil, err
		}
		return redo, nil

	case kernel.OpChmod:
		current, err := meta.Get(ctx, opctx.ZoneID, entry.FilePath)
		if err != nil {
			return nil, err
		}
		redo := map[string]any{"mode": current.Mode}
		priorMode, _ := entry.UndoState["mode"].(float64)
		current.Mode = uint16(priorMode)
		if _, err := meta.Put(ctx, current, current.Etag); err != nil {
			return nil, err
		}
		return redo, nil

	case kernel.OpChown:
		current, err := meta.Get(ctx, opctx.ZoneID, entry.FilePath)
		if err != nil {
			return nil, err
		}
		redo := map[string]any{"owner_subject": current.OwnerSubject, "group": current.Group}
		if v, ok := entry.UndoState["owner_subject"].(string); ok {
			current.OwnerSubject = v
		}
		if v, ok := entry.UndoState["group"].(string); ok {
			current.Group = v
		}
		if _, err := meta.Put(ctx, current, current.Etag); err != nil {
			return nil, err
		}
		return redo, nil

	case kernel.OpTagSet:
		key, _ := entry.UndoState["key"].(string)
		priorValue, hadPrior := entry.UndoState["prior_value"].(string)
		currentValue, _ := entry.UndoState["current_value"].(string)
		redo := map[string]any{"key": key, "prior_value": currentValue, "had_prior": true}
		if !hadPrior {
			if err := meta.DeleteTag(ctx, opctx.ZoneID, entry.FilePath, key); err != nil {
				return nil, err
			}
			redo["had_prior"] = false
		} else {
			if err := meta.SetTag(ctx, opctx.ZoneID, entry.FilePath, key, priorValue); err != nil {
				return nil, err
			}
		}
		return redo, nil

	case kernel.OpTagDelete:
		key, _ := entry.UndoState["key"].(string)
		priorValue, _ := entry.UndoState["prior_value"].(string)
		if err := meta.SetTag(ctx, opctx.ZoneID, entry.FilePath, key, priorValue); err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "current_value": priorValue}, nil

	default:
		return nil, kernel.Errorf(kernel.InvalidArgument, "oplog.applyInverse", nil).WithPath(string(entry.OpType))
	}
}

// AppendVersion records a prior content_hash bound to path, used by
// ReadAt to resolve time-travel reads.
func (l *Log) AppendVersion(ctx context.Context, v kernel.VersionHistoryEntry) error {
	zid, err := uuid.Parse(v.ZoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "oplog.AppendVersion", err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err = l.rs.Exec(ctx, zid,
		`INSERT INTO version_history (id, zone_id, path, version, content_hash, size_bytes, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), v.ZoneID, v.Path, v.VersionNumber, v.ContentHash, v.SizeBytes, v.CreatedBy, v.CreatedAt)
	return err
}

// NextVersion returns the version_number a new VersionHistoryEntry for
// path should carry: one past the highest recorded so far, or 1 if path
// has no history yet.
func (l *Log) NextVersion(ctx context.Context, zoneID, path string) (int64, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return 0, kernel.Errorf(kernel.InvalidArgument, "oplog.NextVersion", err)
	}
	rows, err := l.rs.Query(ctx, zid,
		`SELECT COALESCE(MAX(version), 0) FROM version_history WHERE zone_id = ? AND path = ?`,
		zoneID, path)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 1, nil
	}
	var max int64
	if err := rows.Scan(&max); err != nil {
		return 0, kernel.Errorf(kernel.Internal, "oplog.NextVersion", err)
	}
	return max + 1, nil
}

// AppendOperationAndVersion writes an OperationLogEntry and a
// VersionHistoryEntry inside one RecordStore transaction, instead of two
// independent Append/AppendVersion round trips, so a crash between the
// two can never leave one written without the other.
func (l *Log) AppendOperationAndVersion(ctx context.Context, zoneID string, entry kernel.OperationLogEntry, version kernel.VersionHistoryEntry) error {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "oplog.AppendOperationAndVersion", err)
	}
	if entry.OpID == "" {
		entry.OpID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = entry.Timestamp
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "oplog.AppendOperationAndVersion", err)
	}
	undoState, err := json.Marshal(entry.UndoState)
	if err != nil {
		return kernel.Errorf(kernel.Internal, "oplog.AppendOperationAndVersion", err)
	}

	err = l.rs.WithTx(ctx, zid, func(tx recordstore.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO operation_log (op_id, zone_id, subject_id, op_type, file_path, timestamp, details, undo_state, undone)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
			entry.OpID, zoneID, entry.SubjectID, string(entry.OpType), entry.FilePath, entry.Timestamp, string(details), string(undoState)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO version_history (id, zone_id, path, version, content_hash, size_bytes, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), zoneID, version.Path, version.VersionNumber, version.ContentHash, version.SizeBytes, version.CreatedBy, version.CreatedAt)
		return err
	})
	if err != nil {
		return err
	}

	metrics.OplogAppendsTotal.WithLabelValues(string(entry.OpType)).Inc()
	return nil
}

// ReadAt resolves the content_hash bound to path at the latest
// VersionHistoryEntry with created_at <= timestamp.
func (l *Log) ReadAt(ctx context.Context, zoneID, path string, timestamp time.Time) (string, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return "", kernel.Errorf(kernel.InvalidArgument, "oplog.ReadAt", err)
	}

	rows, err := l.rs.Query(ctx, zid,
		`SELECT content_hash FROM version_history
		 WHERE zone_id = ? AND path = ? AND created_at <= ?
		 ORDER BY created_at DESC LIMIT 1`,
		zoneID, path, timestamp)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if !rows.Next() {
		return "", kernel.Errorf(kernel.NotFound, "oplog.ReadAt", nil).WithPath(path)
	}
	var hash string
	if err := rows.Scan(&hash); err != nil {
		return "", kernel.Errorf(kernel.Internal, "oplog.ReadAt", err)
	}
	return hash, nil
}

// ListVersions returns path's recorded history, newest first.
func (l *Log) ListVersions(ctx context.Context, zoneID, path string) ([]kernel.VersionHistoryEntry, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return nil, kernel.Errorf(kernel.InvalidArgument, "oplog.ListVersions", err)
	}
	rows, err := l.rs.Query(ctx, zid,
		`SELECT path, version, content_hash, size_bytes, created_by, created_at
		 FROM version_history WHERE zone_id = ? AND path = ? ORDER BY version DESC`,
		zoneID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kernel.VersionHistoryEntry
	for rows.Next() {
		v := kernel.VersionHistoryEntry{ZoneID: zoneID}
		if err := rows.Scan(&v.Path, &v.VersionNumber, &v.ContentHash, &v.SizeBytes, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "oplog.ListVersions", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion returns the single VersionHistoryEntry recorded for path at
// versionNumber, used to resolve Rollback's target content hash.
func (l *Log) GetVersion(ctx context.Context, zoneID, path string, versionNumber int64) (kernel.VersionHistoryEntry, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.VersionHistoryEntry{}, kernel.Errorf(kernel.InvalidArgument, "oplog.GetVersion", err)
	}
	rows, err := l.rs.Query(ctx, zid,
		`SELECT path, version, content_hash, size_bytes, created_by, created_at
		 FROM version_history WHERE zone_id = ? AND path = ? AND version = ?`,
		zoneID, path, versionNumber)
	if err != nil {
		return kernel.VersionHistoryEntry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return kernel.VersionHistoryEntry{}, kernel.Errorf(kernel.NotFound, "oplog.GetVersion", nil).WithPath(path)
	}
	v := kernel.VersionHistoryEntry{ZoneID: zoneID}
	if err := rows.Scan(&v.Path, &v.VersionNumber, &v.ContentHash, &v.SizeBytes, &v.CreatedBy, &v.CreatedAt); err != nil {
		return kernel.VersionHistoryEntry{}, kernel.Errorf(kernel.Internal, "oplog.GetVersion", err)
	}
	return v, nil
}
