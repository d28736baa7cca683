// Package fsm assembles the Metastore, RecordStore, ObjectStore, and
// CacheStore pillars together with the CAS engine, operation log, ReBAC
// engine, and path router into the filesystem core: the write/read/
// delete/list/copy/move surface callers see.
package fsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/log"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// MetadataStore is the FileMetadata/tag surface Filesystem needs from
// pkg/metadata.Store.
type MetadataStore interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
	Put(ctx context.Context, fm kernel.FileMetadata, expectedEtag string) (string, error)
	Delete(ctx context.Context, zoneID, path, expectedEtag string) error
	List(ctx context.Context, zoneID, path string) ([]kernel.DirEntry, error)
	SetTag(ctx context.Context, zoneID, path, key, value string) error
	DeleteTag(ctx context.Context, zoneID, path, key string) error
	ListTags(ctx context.Context, zoneID, path string) ([]kernel.Tag, error)
}

// ContentStore is the CAS surface Filesystem needs from pkg/cas.Engine.
type ContentStore interface {
	PutContent(ctx context.Context, data []byte) (string, error)
	GetContent(ctx context.Context, hash string) (io.ReadCloser, error)
	Retain(ctx context.Context, hash string) error
	Release(ctx context.Context, hash string) error
}

// OperationLog is the surface Filesystem needs from pkg/oplog.Log.
type OperationLog interface {
	Append(ctx context.Context, zoneID string, entry kernel.OperationLogEntry) error
	AppendOperationAndVersion(ctx context.Context, zoneID string, entry kernel.OperationLogEntry, version kernel.VersionHistoryEntry) error
	NextVersion(ctx context.Context, zoneID, path string) (int64, error)
	ReadAt(ctx context.Context, zoneID, path string, timestamp time.Time) (string, error)
	ListVersions(ctx context.Context, zoneID, path string) ([]kernel.VersionHistoryEntry, error)
	GetVersion(ctx context.Context, zoneID, path string, versionNumber int64) (kernel.VersionHistoryEntry, error)
	Undo(ctx context.Context, opctx kernel.OperationContext, opID string, meta interface {
		Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
		Put(ctx context.Context, fm kernel.FileMetadata, expectedEtag string) (string, error)
		Delete(ctx context.Context, zoneID, path, expectedEtag string) error
		SetTag(ctx context.Context, zoneID, path, key, value string) error
		DeleteTag(ctx context.Context, zoneID, path, key string) error
	}, content interface {
		Retain(ctx context.Context, hash string) error
		Release(ctx context.Context, hash string) error
	}, perm interface {
		CanWrite(ctx context.Context, opctx kernel.OperationContext, zoneID, path string) (bool, error)
	}) error
}

// PermissionEngine is the surface Filesystem needs from pkg/rebac.Engine.
type PermissionEngine interface {
	Check(ctx context.Context, opctx kernel.OperationContext, permission, objectType, objectID string) (bool, error)
}

// PathRouter is the surface Filesystem needs from pkg/router.Router.
type PathRouter interface {
	Access(ctx context.Context, opctx kernel.OperationContext, path string, mutating bool, meta interface {
		Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
	}) (ResolutionZone, error)
}

// ResolutionZone is the subset of router.Resolution Filesystem consumes:
// the zone a path access ultimately applies to, after any mount hops.
type ResolutionZone struct {
	ZoneID string
}

// CacheStore is the pub/sub + ephemeral KV surface Filesystem needs.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PermCacheInvalidator lets Filesystem clear cached Check results for a
// path without depending on pkg/rebac's internal key scheme directly; fsm
// wires it to rebac.CacheKeyPrefix.
type PermCacheInvalidator func(zoneID, entity string) string

// Filesystem is the storage kernel's top-level write/read surface. Every
// field is an interface, not a concrete type, holding capability-scoped
// contracts — MetadataStore, ContentStore, OperationLog,
// PermissionEngine, PathRouter — instead of the raw pillar interfaces,
// since Filesystem never touches Metastore bytes or RecordStore SQL
// directly; it only ever goes through the typed layers that already wrap
// those pillars. This mirrors the same injected-narrow-interface
// reasoning pkg/oplog.Undo uses.
type Filesystem struct {
	meta    MetadataStore
	content ContentStore
	oplog   OperationLog
	perm    PermissionEngine
	router  PathRouter
	cache   CacheStore

	undoPerm    undoPermAdapter
	cacheKeyFor PermCacheInvalidator

	beforeWrite []BeforeWriteHook
	afterWrite  []AfterWriteHook
}

// New assembles a Filesystem over the given pillar-and-engine
// implementations.
func New(meta MetadataStore, content ContentStore, oplog OperationLog, perm PermissionEngine, router PathRouter, cache CacheStore, cacheKeyFor PermCacheInvalidator) *Filesystem {
	return &Filesystem{
		meta: meta, content: content, oplog: oplog, perm: perm, router: router, cache: cache,
		undoPerm:    undoPermAdapter{perm},
		cacheKeyFor: cacheKeyFor,
	}
}

// undoPermAdapter narrows PermissionEngine down to exactly the
// oplog.PermissionChecker shape Undo expects, without PermissionEngine
// itself growing a CanWrite method.
type undoPermAdapter struct{ PermissionEngine }

func (a undoPermAdapter) CanWrite(ctx context.Context, opctx kernel.OperationContext, zoneID, path string) (bool, error) {
	opctx.ZoneID = zoneID
	return a.PermissionEngine.Check(ctx, opctx, "write", "file", path)
}

// Undo reverses the most recent effect of opID, delegating to the
// operation log's Undo algorithm with this Filesystem's metadata store,
// content store, and permission engine wired in as the narrow interfaces
// it expects.
func (fs *Filesystem) Undo(ctx context.Context, opctx kernel.OperationContext, opID string) error {
	return fs.oplog.Undo(ctx, opctx, opID, fs.meta, fs.content, fs.undoPerm)
}

func eventsChannel(zoneID string) string { return "fs.events." + zoneID }

func publishEvent(ctx context.Context, cache CacheStore, zoneID, eventType, path string) {
	payload, _ := json.Marshal(map[string]string{"event": eventType, "path": path, "zone_id": zoneID})
	_ = cache.Publish(ctx, eventsChannel(zoneID), payload)
}

func (fs *Filesystem) invalidatePath(ctx context.Context, zoneID, p string) {
	_ = fs.cache.Delete(ctx, fmt.Sprintf("fs/meta/%s/%s", zoneID, p))
	_ = fs.cache.DeleteByPrefix(ctx, fmt.Sprintf("fs/meta/%s/%s", zoneID, path.Dir(p)))
	if fs.cacheKeyFor != nil {
		_ = fs.cache.DeleteByPrefix(ctx, fs.cacheKeyFor(zoneID, "file:"+p))
	}
}

// WriteOptions modifies Write's behavior. IfMatch implements optimistic
// concurrency: the write only applies if the file's current etag matches.
type WriteOptions struct {
	IfMatch string
}

// Write implements the read-modify-write path: resolve the route, check
// permission, read the current version for its etag, hash and store the
// new content in CAS, update metadata, then record the operation.
func (fs *Filesystem) Write(ctx context.Context, opctx kernel.OperationContext, virtualPath string, data []byte, opts WriteOptions) (etag string, err error) {
	timer := metrics.NewTimer()
	result := "error"
	defer func() {
		timer.ObserveDuration(metrics.OperationDuration.WithLabelValues("write"))
		metrics.OperationsTotal.WithLabelValues("write", result).Inc()
	}()

	// Step 1: resolve namespace + mount.
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return "", err
	}
	zoneID := res.ZoneID

	current, err := fs.meta.Get(ctx, zoneID, virtualPath)
	creating := kernel.IsNotFound(err)
	if err != nil && !creating {
		return "", err
	}

	// Step 2: ReBAC check on the parent (create) or the file (overwrite).
	checkPath := virtualPath
	if creating {
		checkPath = path.Dir(virtualPath)
	}
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", checkPath)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", kernel.Errorf(kernel.PermissionDenied, "fsm.Write", nil).WithPath(virtualPath)
	}

	// Step 3: before_write hooks.
	for _, hook := range fs.beforeWrite {
		if err := hook(ctx, opctx, virtualPath, data); err != nil {
			result = "before_write_rejected"
			return "", err
		}
	}

	// Step 4: content-addressed store.
	hash, err := fs.content.PutContent(ctx, data)
	if err != nil {
		return "", err
	}

	// Step 5: precondition check against the current etag.
	if opts.IfMatch != "" && current.Etag != opts.IfMatch {
		// No CAS cleanup here. The refcount bump from the earlier Put is
		// left in place and nothing releases it later, so the chunk keeps
		// one reference more than its referrers and the GC sweeper does not
		// reclaim it.
		result = "precondition_failed"
		return "", kernel.Errorf(kernel.PreconditionFailed, "fsm.Write", nil).WithPath(virtualPath)
	}

	// Step 6: construct new FileMetadata, preserving owner/group/mode.
	now := time.Now()
	newFM := kernel.FileMetadata{
		ZoneID:      zoneID,
		VirtualPath: virtualPath,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		BackendID:   current.BackendID,
		EntryType:   kernel.EntryRegular,
		CreatedAt:   current.CreatedAt,
		ModifiedAt:  now,
	}
	if creating {
		newFM.OwnerSubject = opctx.Subject()
		newFM.Mode = 0o644
		newFM.CreatedAt = now
	} else {
		newFM.OwnerSubject = current.OwnerSubject
		newFM.Group = current.Group
		newFM.Mode = current.Mode
	}

	expectedEtag := ""
	if !creating {
		expectedEtag = current.Etag
	}
	newEtag, err := fs.meta.Put(ctx, newFM, expectedEtag)
	if err != nil {
		_ = fs.content.Release(ctx, hash)
		return "", err
	}

	// Steps 7-8: version history + operation log, in one RecordStore
	// transaction (step 9's "commit Metastore + RecordStore atomically"
	// single-node variant — see pkg/kernel.Coordinate for the general
	// shape; here the Metastore half already committed above, so only the
	// RecordStore half needs its own transaction and a compensating
	// rollback of the Metastore write on failure).
	versionNum, err := fs.oplog.NextVersion(ctx, zoneID, virtualPath)
	if err != nil {
		fs.rollbackWrite(ctx, zoneID, virtualPath, current, creating, hash, newFM.ContentHash)
		return "", err
	}
	logErr := fs.oplog.AppendOperationAndVersion(ctx, zoneID,
		kernel.OperationLogEntry{
			ZoneID:    zoneID,
			SubjectID: opctx.SubjectID,
			OpType:    kernel.OpWrite,
			FilePath:  virtualPath,
			UndoState: map[string]any{"content_hash": current.ContentHash, "size_bytes": float64(current.SizeBytes)},
			Details:   map[string]any{"new_content_hash": hash, "new_size_bytes": len(data)},
		},
		kernel.VersionHistoryEntry{
			ZoneID:        zoneID,
			Path:          virtualPath,
			VersionNumber: versionNum,
			ContentHash:   current.ContentHash,
			SizeBytes:     current.SizeBytes,
			CreatedBy:     opctx.SubjectID,
			CreatedAt:     now,
		})
	if logErr != nil {
		// Step 10: commit failed, compensate.
		fs.rollbackWrite(ctx, zoneID, virtualPath, current, creating, hash, newFM.ContentHash)
		return "", logErr
	}

	// Step 11: invalidate caches.
	fs.invalidatePath(ctx, zoneID, virtualPath)

	// Step 12: publish event.
	publishEvent(ctx, fs.cache, zoneID, "file_write", virtualPath)

	// Step 13: after_write hooks, best-effort.
	for _, hook := range fs.afterWrite {
		hook(ctx, opctx, virtualPath, newEtag)
	}

	result = "ok"
	return newEtag, nil
}

// rollbackWrite reverses the Metastore half of a write whose RecordStore
// half failed to commit: restores the prior FileMetadata (or deletes a
// newly created one) and releases the refcount Write's CAS put bumped.
func (fs *Filesystem) rollbackWrite(ctx context.Context, zoneID, virtualPath string, prior kernel.FileMetadata, wasCreate bool, newHash, priorHash string) {
	if wasCreate {
		if err := fs.meta.Delete(ctx, zoneID, virtualPath, ""); err != nil && !kernel.IsNotFound(err) {
			log.Error("fsm.rollbackWrite: compensating delete failed: " + err.Error())
		}
	} else if _, err := fs.meta.Put(ctx, prior, ""); err != nil {
		log.Error("fsm.rollbackWrite: compensating restore failed: " + err.Error())
	}
	if err := fs.content.Release(ctx, newHash); err != nil && !kernel.IsNotFound(err) {
		log.Error("fsm.rollbackWrite: refcount release failed: " + err.Error())
	}
}

// Read resolves namespace + mount, checks read permission, and returns
// the file's bytes, optionally served from CacheStore's content cache.
func (fs *Filesystem) Read(ctx context.Context, opctx kernel.OperationContext, virtualPath string) ([]byte, error) {
	timer := metrics.NewTimer()
	result := "error"
	defer func() {
		timer.ObserveDuration(metrics.OperationDuration.WithLabelValues("read"))
		metrics.OperationsTotal.WithLabelValues("read", result).Inc()
	}()

	res, err := fs.router.Access(ctx, opctx, virtualPath, false, fs.meta)
	if err != nil {
		return nil, err
	}
	zoneID := res.ZoneID

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", virtualPath)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, kernel.Errorf(kernel.PermissionDenied, "fsm.Read", nil).WithPath(virtualPath)
	}

	fm, err := fs.meta.Get(ctx, zoneID, virtualPath)
	if err != nil {
		return nil, err
	}
	data, err := fs.readContent(ctx, zoneID, fm.ContentHash)
	if err != nil {
		return nil, err
	}
	result = "ok"
	return data, nil
}

const contentCacheMaxBytes = 64 * 1024
const contentCacheTTL = 30 * time.Second

func contentCacheKey(zoneID, hash string) string { return fmt.Sprintf("fs/content/%s/%s", zoneID, hash) }

func (fs *Filesystem) readContent(ctx context.Context, zoneID, hash string) ([]byte, error) {
	if cached, ok, err := fs.cache.Get(ctx, contentCacheKey(zoneID, hash)); err == nil && ok {
		return cached, nil
	}

	rc, err := fs.content.GetContent(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "fsm.readContent", err)
	}
	if len(data) <= contentCacheMaxBytes {
		_ = fs.cache.Set(ctx, contentCacheKey(zoneID, hash), data, contentCacheTTL)
	}
	return data, nil
}

// ReadAt resolves path's content as of timestamp via the operation log's
// version history.
func (fs *Filesystem) ReadAt(ctx context.Context, opctx kernel.OperationContext, virtualPath string, timestamp time.Time) ([]byte, error) {
	res, err := fs.router.Access(ctx, opctx, virtualPath, false, fs.meta)
	if err != nil {
		return nil, err
	}
	zoneID := res.ZoneID

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", virtualPath)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, kernel.Errorf(kernel.PermissionDenied, "fsm.ReadAt", nil).WithPath(virtualPath)
	}

	hash, err := fs.oplog.ReadAt(ctx, zoneID, virtualPath, timestamp)
	if err != nil {
		return nil, err
	}
	return fs.readContent(ctx, zoneID, hash)
}

// Delete snapshots current FileMetadata into undo_state, removes the
// Metastore entry, releases the CAS reference, appends the operation
// log entry, invalidates caches, and publishes an event.
func (fs *Filesystem) Delete(ctx context.Context, opctx kernel.OperationContext, virtualPath string) error {
	timer := metrics.NewTimer()
	result := "error"
	defer func() {
		timer.ObserveDuration(metrics.OperationDuration.WithLabelValues("delete"))
		metrics.OperationsTotal.WithLabelValues("delete", result).Inc()
	}()

	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath)
	if err != nil {
		return err
	}
	if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Delete", nil).WithPath(virtualPath)
	}

	current, err := fs.meta.Get(ctx, zoneID, virtualPath)
	if err != nil {
		return err
	}

	if err := fs.meta.Delete(ctx, zoneID, virtualPath, current.Etag); err != nil {
		return err
	}

	if current.ContentHash != "" {
		if err := fs.content.Release(ctx, current.ContentHash); err != nil && !kernel.IsNotFound(err) {
			log.Error("fsm.Delete: refcount release failed: " + err.Error())
		}
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID:    zoneID,
		SubjectID: opctx.SubjectID,
		OpType:    kernel.OpDelete,
		FilePath:  virtualPath,
		UndoState: map[string]any{"file_metadata": current},
	}); err != nil {
		return err
	}

	fs.invalidatePath(ctx, zoneID, virtualPath)
	publishEvent(ctx, fs.cache, zoneID, "file_delete", virtualPath)
	result = "ok"
	return nil
}

// List resolves dir_path, prefix-scans its immediate children, and
// returns only the entries the subject holds read on.
func (fs *Filesystem) List(ctx context.Context, opctx kernel.OperationContext, dirPath string) ([]kernel.DirEntry, error) {
	res, err := fs.router.Access(ctx, opctx, dirPath, false, fs.meta)
	if err != nil {
		return nil, err
	}
	zoneID := res.ZoneID

	entries, err := fs.meta.List(ctx, zoneID, dirPath)
	if err != nil {
		return nil, err
	}

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	var visible []kernel.DirEntry
	for _, entry := range entries {
		allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", entry.Meta.VirtualPath)
		if err != nil {
			return nil, err
		}
		if allowed {
			visible = append(visible, entry)
		}
	}
	return visible, nil
}

// Copy duplicates srcPath's content at dstPath without moving bytes:
// it bumps the CAS refcount and writes a new FileMetadata row. A
// cross-backend copy would need to stream bytes through CAS on the
// destination side; this implementation targets same-zone copies only,
// where source and destination always share a backend.
func (fs *Filesystem) Copy(ctx context.Context, opctx kernel.OperationContext, srcPath, dstPath string) (etag string, err error) {
	srcRes, err := fs.router.Access(ctx, opctx, srcPath, false, fs.meta)
	if err != nil {
		return "", err
	}
	dstRes, err := fs.router.Access(ctx, opctx, dstPath, true, fs.meta)
	if err != nil {
		return "", err
	}
	if srcRes.ZoneID != dstRes.ZoneID {
		return "", kernel.Errorf(kernel.InvalidArgument, "fsm.Copy", nil).WithPath(dstPath)
	}
	zoneID := srcRes.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID

	if allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", srcPath); err != nil {
		return "", err
	} else if !allowed {
		return "", kernel.Errorf(kernel.PermissionDenied, "fsm.Copy", nil).WithPath(srcPath)
	}
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", path.Dir(dstPath)); err != nil {
		return "", err
	} else if !allowed {
		return "", kernel.Errorf(kernel.PermissionDenied, "fsm.Copy", nil).WithPath(dstPath)
	}

	src, err := fs.meta.Get(ctx, zoneID, srcPath)
	if err != nil {
		return "", err
	}
	if src.ContentHash != "" {
		if err := fs.content.Retain(ctx, src.ContentHash); err != nil {
			return "", err
		}
	}

	now := time.Now()
	newFM := kernel.FileMetadata{
		ZoneID: zoneID, VirtualPath: dstPath, ContentHash: src.ContentHash, SizeBytes: src.SizeBytes,
		BackendID: src.BackendID, OwnerSubject: opctx.Subject(), Group: src.Group, Mode: src.Mode,
		CreatedAt: now, ModifiedAt: now, EntryType: src.EntryType,
	}
	newEtag, err := fs.meta.Put(ctx, newFM, "")
	if err != nil {
		if src.ContentHash != "" {
			_ = fs.content.Release(ctx, src.ContentHash)
		}
		return "", err
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpWrite, FilePath: dstPath,
		UndoState: map[string]any{"content_hash": "", "size_bytes": float64(0)},
		Details:   map[string]any{"copied_from": srcPath},
	}); err != nil {
		return "", err
	}

	fs.invalidatePath(ctx, zoneID, dstPath)
	publishEvent(ctx, fs.cache, zoneID, "file_write", dstPath)
	return newEtag, nil
}

// Move relocates a FileMetadata row from srcPath to dstPath, rewriting
// the key rather than transferring bytes (same-backend move only).
func (fs *Filesystem) Move(ctx context.Context, opctx kernel.OperationContext, srcPath, dstPath string) error {
	srcRes, err := fs.router.Access(ctx, opctx, srcPath, true, fs.meta)
	if err != nil {
		return err
	}
	dstRes, err := fs.router.Access(ctx, opctx, dstPath, true, fs.meta)
	if err != nil {
		return err
	}
	if srcRes.ZoneID != dstRes.ZoneID {
		return kernel.Errorf(kernel.InvalidArgument, "fsm.Move", nil).WithPath(dstPath)
	}
	zoneID := srcRes.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID

	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", srcPath); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Move", nil).WithPath(srcPath)
	}
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", path.Dir(dstPath)); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Move", nil).WithPath(dstPath)
	}

	src, err := fs.meta.Get(ctx, zoneID, srcPath)
	if err != nil {
		return err
	}

	now := time.Now()
	moved := src
	moved.VirtualPath = dstPath
	moved.ModifiedAt = now
	if _, err := fs.meta.Put(ctx, moved, ""); err != nil {
		return err
	}
	if err := fs.meta.Delete(ctx, zoneID, srcPath, src.Etag); err != nil && !kernel.IsNotFound(err) {
		return err
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpRename, FilePath: dstPath,
		UndoState: map[string]any{"prior_path": srcPath},
	}); err != nil {
		return err
	}

	fs.invalidatePath(ctx, zoneID, srcPath)
	fs.invalidatePath(ctx, zoneID, dstPath)
	publishEvent(ctx, fs.cache, zoneID, "file_rename", dstPath)
	return nil
}

// Stat resolves path's current FileMetadata without reading its content.
func (fs *Filesystem) Stat(ctx context.Context, opctx kernel.OperationContext, virtualPath string) (kernel.FileMetadata, error) {
	res, err := fs.router.Access(ctx, opctx, virtualPath, false, fs.meta)
	if err != nil {
		return kernel.FileMetadata{}, err
	}
	zoneID := res.ZoneID

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", virtualPath)
	if err != nil {
		return kernel.FileMetadata{}, err
	}
	if !allowed {
		return kernel.FileMetadata{}, kernel.Errorf(kernel.PermissionDenied, "fsm.Stat", nil).WithPath(virtualPath)
	}
	return fs.meta.Get(ctx, zoneID, virtualPath)
}

// Mkdir creates an empty directory entry (EntryDirectory, no content
// hash). createParents walks up virtualPath creating any missing
// ancestor directories first.
func (fs *Filesystem) Mkdir(ctx context.Context, opctx kernel.OperationContext, virtualPath string, createParents bool) error {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID

	if createParents {
		parent := path.Dir(virtualPath)
		if parent != "/" && parent != "." {
			if _, err := fs.meta.Get(ctx, zoneID, parent); kernel.IsNotFound(err) {
				if err := fs.Mkdir(ctx, opctx, parent, true); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
	}

	if _, err := fs.meta.Get(ctx, zoneID, virtualPath); err == nil {
		return kernel.Errorf(kernel.AlreadyExists, "fsm.Mkdir", nil).WithPath(virtualPath)
	} else if !kernel.IsNotFound(err) {
		return err
	}

	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", path.Dir(virtualPath))
	if err != nil {
		return err
	}
	if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Mkdir", nil).WithPath(virtualPath)
	}

	now := time.Now()
	fm := kernel.FileMetadata{
		ZoneID: zoneID, VirtualPath: virtualPath, EntryType: kernel.EntryDirectory,
		OwnerSubject: opctx.Subject(), Mode: 0o755, CreatedAt: now, ModifiedAt: now,
	}
	if _, err := fs.meta.Put(ctx, fm, ""); err != nil {
		return err
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpMkdir, FilePath: virtualPath,
	}); err != nil {
		_ = fs.meta.Delete(ctx, zoneID, virtualPath, fm.Etag)
		return err
	}

	fs.invalidatePath(ctx, zoneID, virtualPath)
	publishEvent(ctx, fs.cache, zoneID, "dir_create", virtualPath)
	return nil
}

// Chmod updates a path's POSIX-style mode bits, recording the prior mode
// as undo_state per oplog.applyInverse's OpChmod case.
func (fs *Filesystem) Chmod(ctx context.Context, opctx kernel.OperationContext, virtualPath string, mode uint16) error {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Chmod", nil).WithPath(virtualPath)
	}

	current, err := fs.meta.Get(ctx, zoneID, virtualPath)
	if err != nil {
		return err
	}
	priorMode := current.Mode
	current.Mode = mode
	current.ModifiedAt = time.Now()
	if _, err := fs.meta.Put(ctx, current, current.Etag); err != nil {
		return err
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpChmod, FilePath: virtualPath,
		UndoState: map[string]any{"mode": float64(priorMode)},
	}); err != nil {
		return err
	}
	fs.invalidatePath(ctx, zoneID, virtualPath)
	return nil
}

// Chown updates a path's owner and/or group. An empty newOwner or
// newGroup leaves that field unchanged.
func (fs *Filesystem) Chown(ctx context.Context, opctx kernel.OperationContext, virtualPath, newOwner, newGroup string) error {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.Chown", nil).WithPath(virtualPath)
	}

	current, err := fs.meta.Get(ctx, zoneID, virtualPath)
	if err != nil {
		return err
	}
	priorOwner, priorGroup := current.OwnerSubject, current.Group
	if newOwner != "" {
		current.OwnerSubject = newOwner
	}
	if newGroup != "" {
		current.Group = newGroup
	}
	current.ModifiedAt = time.Now()
	if _, err := fs.meta.Put(ctx, current, current.Etag); err != nil {
		return err
	}

	if err := fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpChown, FilePath: virtualPath,
		UndoState: map[string]any{"owner_subject": priorOwner, "group": priorGroup},
	}); err != nil {
		return err
	}
	fs.invalidatePath(ctx, zoneID, virtualPath)
	return nil
}

// SetTag attaches or overwrites a free-text tag on path, recording the
// prior value (if any) as undo_state per oplog.applyInverse's OpTagSet
// case.
func (fs *Filesystem) SetTag(ctx context.Context, opctx kernel.OperationContext, virtualPath, key, value string) error {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.SetTag", nil).WithPath(virtualPath)
	}

	undoState := map[string]any{"key": key, "current_value": value}
	for _, tag := range mustListTags(ctx, fs.meta, zoneID, virtualPath) {
		if tag.TagKey == key {
			undoState["prior_value"] = tag.TagValue
			break
		}
	}

	if err := fs.meta.SetTag(ctx, zoneID, virtualPath, key, value); err != nil {
		return err
	}
	return fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpTagSet, FilePath: virtualPath,
		UndoState: undoState,
	})
}

// DeleteTag removes a tag from path, recording its value as undo_state
// per oplog.applyInverse's OpTagDelete case.
func (fs *Filesystem) DeleteTag(ctx context.Context, opctx kernel.OperationContext, virtualPath, key string) error {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath); err != nil {
		return err
	} else if !allowed {
		return kernel.Errorf(kernel.PermissionDenied, "fsm.DeleteTag", nil).WithPath(virtualPath)
	}

	var priorValue string
	for _, tag := range mustListTags(ctx, fs.meta, zoneID, virtualPath) {
		if tag.TagKey == key {
			priorValue = tag.TagValue
			break
		}
	}

	if err := fs.meta.DeleteTag(ctx, zoneID, virtualPath, key); err != nil {
		return err
	}
	return fs.oplog.Append(ctx, zoneID, kernel.OperationLogEntry{
		ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpTagDelete, FilePath: virtualPath,
		UndoState: map[string]any{"key": key, "prior_value": priorValue},
	})
}

// mustListTags swallows ListTags errors for the purpose of locating a
// single prior tag value before an overwrite; a lookup failure just
// means undo_state records no prior value, which SetTag/DeleteTag
// already treat as "tag did not exist".
func mustListTags(ctx context.Context, meta MetadataStore, zoneID, path string) []kernel.Tag {
	tags, err := meta.ListTags(ctx, zoneID, path)
	if err != nil {
		return nil
	}
	return tags
}

// ListTags returns every tag attached to path.
func (fs *Filesystem) ListTags(ctx context.Context, opctx kernel.OperationContext, virtualPath string) ([]kernel.Tag, error) {
	res, err := fs.router.Access(ctx, opctx, virtualPath, false, fs.meta)
	if err != nil {
		return nil, err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", virtualPath); err != nil {
		return nil, err
	} else if !allowed {
		return nil, kernel.Errorf(kernel.PermissionDenied, "fsm.ListTags", nil).WithPath(virtualPath)
	}
	return fs.meta.ListTags(ctx, zoneID, virtualPath)
}

// ListVersions returns path's recorded version history, newest first.
func (fs *Filesystem) ListVersions(ctx context.Context, opctx kernel.OperationContext, virtualPath string) ([]kernel.VersionHistoryEntry, error) {
	res, err := fs.router.Access(ctx, opctx, virtualPath, false, fs.meta)
	if err != nil {
		return nil, err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "read", "file", virtualPath); err != nil {
		return nil, err
	} else if !allowed {
		return nil, kernel.Errorf(kernel.PermissionDenied, "fsm.ListVersions", nil).WithPath(virtualPath)
	}
	return fs.oplog.ListVersions(ctx, zoneID, virtualPath)
}

// Rollback rewrites path's live content to a previously recorded
// version, implemented as a Write sharing that version's content hash
// rather than replaying bytes through the caller.
func (fs *Filesystem) Rollback(ctx context.Context, opctx kernel.OperationContext, virtualPath string, versionNumber int64) (etag string, err error) {
	res, err := fs.router.Access(ctx, opctx, virtualPath, true, fs.meta)
	if err != nil {
		return "", err
	}
	zoneID := res.ZoneID
	checkCtx := opctx
	checkCtx.ZoneID = zoneID
	if allowed, err := fs.perm.Check(ctx, checkCtx, "write", "file", virtualPath); err != nil {
		return "", err
	} else if !allowed {
		return "", kernel.Errorf(kernel.PermissionDenied, "fsm.Rollback", nil).WithPath(virtualPath)
	}

	target, err := fs.oplog.GetVersion(ctx, zoneID, virtualPath, versionNumber)
	if err != nil {
		return "", err
	}
	current, err := fs.meta.Get(ctx, zoneID, virtualPath)
	if err != nil {
		return "", err
	}

	priorHash := current.ContentHash
	priorSize := current.SizeBytes
	if target.ContentHash != "" {
		if err := fs.content.Retain(ctx, target.ContentHash); err != nil {
			return "", err
		}
	}
	now := time.Now()
	current.ContentHash = target.ContentHash
	current.SizeBytes = target.SizeBytes
	current.ModifiedAt = now
	newEtag, err := fs.meta.Put(ctx, current, current.Etag)
	if err != nil {
		if target.ContentHash != "" {
			_ = fs.content.Release(ctx, target.ContentHash)
		}
		return "", err
	}
	if priorHash != "" {
		if err := fs.content.Release(ctx, priorHash); err != nil && !kernel.IsNotFound(err) {
			log.Error("fsm.Rollback: refcount release failed: " + err.Error())
		}
	}

	nextVersion, err := fs.oplog.NextVersion(ctx, zoneID, virtualPath)
	if err != nil {
		return "", err
	}
	if err := fs.oplog.AppendOperationAndVersion(ctx, zoneID,
		kernel.OperationLogEntry{
			ZoneID: zoneID, SubjectID: opctx.SubjectID, OpType: kernel.OpWrite, FilePath: virtualPath,
			UndoState: map[string]any{"content_hash": priorHash, "size_bytes": float64(priorSize)},
			Details:   map[string]any{"rolled_back_to_version": versionNumber},
		},
		kernel.VersionHistoryEntry{
			ZoneID: zoneID, Path: virtualPath, VersionNumber: nextVersion,
			ContentHash: priorHash, SizeBytes: priorSize,
			CreatedBy: opctx.SubjectID, CreatedAt: now,
		}); err != nil {
		return "", err
	}

	fs.invalidatePath(ctx, zoneID, virtualPath)
	publishEvent(ctx, fs.cache, zoneID, "file_write", virtualPath)
	return newEtag, nil
}

// sha256Hex is used only by tests to predict the hash Write's CAS put
// will produce for a given payload.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
