// Package metastore implements the ordered key-value pillar: a single-node
// embedded driver and a replicated-log-backed driver, both behind the same
// contract.
package metastore

import (
	"context"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// KV is one key/value/etag triple returned by a prefix scan.
type KV struct {
	Key   []byte
	Value []byte
	Etag  string
}

// Iterator walks a prefix scan's results in lexicographic key order.
type Iterator interface {
	Next() (KV, bool, error)
	Close() error
}

// Metastore is the ordered persistent key-value contract. Keys are opaque
// byte strings with lexicographic ordering; values are opaque bytes (the
// metadata layer handles serialization). Prefix scans must be strictly
// ordered and restartable after a crash without missing or duplicating
// keys.
//
// Within a single-node driver, all operations are serializable. Within a
// replicated driver, writes are linearizable across nodes; reads are
// served from the local store and take no consistency level, so a
// follower may return stale values.
type Metastore interface {
	// Put writes value under key. If expectedEtag is non-empty, the write
	// only succeeds if the current etag matches; otherwise it returns a
	// kernel.Stale error.
	Put(ctx context.Context, key []byte, value []byte, expectedEtag string) (etag string, err error)

	// Get returns the value and its etag, or a kernel.NotFound error.
	Get(ctx context.Context, key []byte) (value []byte, etag string, err error)

	// Delete removes key. If expectedEtag is non-empty, the delete only
	// succeeds if the current etag matches.
	Delete(ctx context.Context, key []byte, expectedEtag string) error

	// PrefixScan returns keys with the given prefix in lexicographic order,
	// resuming strictly after startAfter when non-nil, up to limit results
	// (0 means unlimited).
	PrefixScan(ctx context.Context, prefix []byte, startAfter []byte, limit int) (Iterator, error)

	// CompareAndSwap atomically replaces expected with newValue at key. A
	// nil expected means "key must not currently exist". Returns
	// kernel.Conflict if the current value does not match expected.
	CompareAndSwap(ctx context.Context, key []byte, expected []byte, newValue []byte) (etag string, err error)

	// Close releases driver resources.
	Close() error
}

func notFound(op string, key []byte) error {
	return kernel.Errorf(kernel.NotFound, op, nil).WithPath(string(key))
}

func stale(op string, key []byte) error {
	return kernel.Errorf(kernel.Stale, op, nil).WithPath(string(key))
}

func conflict(op string, key []byte) error {
	return kernel.Errorf(kernel.Conflict, op, nil).WithPath(string(key))
}
