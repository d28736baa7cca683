// Package cas implements content-addressed storage: deduplicated blob
// writes keyed by SHA-256, reference counted at the Metastore level so
// multiple FileMetadata rows can share one ObjectStore blob safely.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metastore"
	"github.com/nexus-kernel/nexus/pkg/metrics"
	"github.com/nexus-kernel/nexus/pkg/objectstore"
)

func chunkKey(hash string) []byte {
	return []byte("cas/chunk/" + hash)
}

func blobKey(hash string) string {
	return fmt.Sprintf("cas/%s/%s", hash[:2], hash)
}

// Engine implements the spec's put_content/get_content/release algorithm:
// hash, dedup by refcount, physically store only on first write.
type Engine struct {
	ms metastore.Metastore
	os objectstore.ObjectStore
}

// New wires a CAS engine over a Metastore (refcounts) and ObjectStore
// (blob bytes).
func New(ms metastore.Metastore, os objectstore.ObjectStore) *Engine {
	return &Engine{ms: ms, os: os}
}

func (e *Engine) getChunk(ctx context.Context, hash string) (kernel.ContentChunk, string, bool, error) {
	value, etag, err := e.ms.Get(ctx, chunkKey(hash))
	if kernel.IsNotFound(err) {
		return kernel.ContentChunk{}, "", false, nil
	}
	if err != nil {
		return kernel.ContentChunk{}, "", false, err
	}
	var chunk kernel.ContentChunk
	if err := json.Unmarshal(value, &chunk); err != nil {
		return kernel.ContentChunk{}, "", false, kernel.Errorf(kernel.Internal, "cas.getChunk", err)
	}
	return chunk, etag, true, nil
}

// PutContent stores bytes if not already present (by hash) and increments
// the chunk's refcount, retrying the Metastore CompareAndSwap loop on
// concurrent writers so the increment is always atomic at the Metastore
// level rather than a read-modify-write in application code.
func (e *Engine) PutContent(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	for {
		chunk, etag, exists, err := e.getChunk(ctx, hash)
		if err != nil {
			return "", err
		}

		if !exists {
			if _, err := e.os.Put(ctx, blobKey(hash), bytes.NewReader(data), int64(len(data))); err != nil {
				return "", err
			}
			newChunk := kernel.ContentChunk{
				ContentHash: hash,
				SizeBytes:   int64(len(data)),
				Refcount:    1,
				FirstSeenAt: time.Now(),
			}
			value, _ := json.Marshal(newChunk)
			if _, err := e.ms.CompareAndSwap(ctx, chunkKey(hash), nil, value); err != nil {
				if kernel.IsConflict(err) {
					continue // another writer created it first; retry to bump refcount
				}
				return "", err
			}
			metrics.CASWritesTotal.Inc()
			return hash, nil
		}

		updated := chunk
		updated.Refcount++
		updated.ZeroedAt = time.Time{}
		newValue, _ := json.Marshal(updated)
		oldValue, _ := json.Marshal(chunk)
		_ = etag

		if _, err := e.ms.CompareAndSwap(ctx, chunkKey(hash), oldValue, newValue); err != nil {
			if kernel.IsConflict(err) {
				continue
			}
			return "", err
		}
		metrics.CASDedupHitsTotal.Inc()
		return hash, nil
	}
}

// Retain increments the refcount of an already-stored chunk without
// supplying its bytes again, used when an undo restores a reference to
// content that is still physically present under its hash.
func (e *Engine) Retain(ctx context.Context, hash string) error {
	for {
		chunk, _, exists, err := e.getChunk(ctx, hash)
		if err != nil {
			return err
		}
		if !exists {
			return kernel.Errorf(kernel.NotFound, "cas.Retain", nil).WithPath(hash)
		}

		oldValue, _ := json.Marshal(chunk)
		updated := chunk
		updated.Refcount++
		updated.ZeroedAt = time.Time{}
		newValue, _ := json.Marshal(updated)

		if _, err := e.ms.CompareAndSwap(ctx, chunkKey(hash), oldValue, newValue); err != nil {
			if kernel.IsConflict(err) {
				continue
			}
			return err
		}
		return nil
	}
}

// GetContent reads the blob for hash.
func (e *Engine) GetContent(ctx context.Context, hash string) (io.ReadCloser, error) {
	return e.os.Get(ctx, blobKey(hash))
}

// Release decrements the refcount for hash, marking it zero-eligible for
// GC when it reaches zero. It never deletes the blob synchronously; the
// Sweeper reclaims it after the grace period.
func (e *Engine) Release(ctx context.Context, hash string) error {
	for {
		chunk, _, exists, err := e.getChunk(ctx, hash)
		if err != nil {
			return err
		}
		if !exists {
			return kernel.Errorf(kernel.NotFound, "cas.Release", nil).WithPath(hash)
		}

		oldValue, _ := json.Marshal(chunk)
		updated := chunk
		updated.Refcount--
		if updated.Refcount < 0 {
			updated.Refcount = 0
		}
		if updated.Refcount == 0 {
			updated.ZeroedAt = time.Now()
		}
		newValue, _ := json.Marshal(updated)

		if _, err := e.ms.CompareAndSwap(ctx, chunkKey(hash), oldValue, newValue); err != nil {
			if kernel.IsConflict(err) {
				continue
			}
			return err
		}
		return nil
	}
}
