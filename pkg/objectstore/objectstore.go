// Package objectstore implements the blob pillar: an opaque-bytes put/get
// contract with a local-filesystem driver and S3/GCS drivers behind it.
package objectstore

import (
	"context"
	"io"
)

// ObjectInfo describes a stored object without reading its body.
type ObjectInfo struct {
	Key  string
	Size int64
	Etag string
}

// KeyIterator walks a List result in lexicographic key order.
type KeyIterator interface {
	Next() (string, bool, error)
	Close() error
}

// ObjectStore is the blob contract: opaque bytes in, opaque bytes out. No
// driver interprets the content; content addressing and encryption are
// layered on top by the CAS engine and the optional encryption hook.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) (etag string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (KeyIterator, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// ReadAtObjectStore is an optional capability for drivers that can serve a
// byte range without streaming the whole object, used by read_at.
type ReadAtObjectStore interface {
	ReadAt(ctx context.Context, key string, p []byte, offset int64) (n int, err error)
}

// EncryptionKeyProvider resolves the AEAD cipher used to wrap object bodies
// at rest, one per zone. Drivers that receive a non-nil provider read the
// whole body on Put and seal it, and open the whole stored body on Get, so
// the contract above is unchanged for callers. With encryption on, the s3
// and gcs ReadAt return InvalidArgument and the local ReadAt decrypts the
// whole object.
type EncryptionKeyProvider interface {
	CipherFor(zoneID string) (Cipher, error)
}
