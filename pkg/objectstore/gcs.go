package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// GCSObjectStore is the Google Cloud Storage ObjectStore driver.
type GCSObjectStore struct {
	client *storage.Client
	bucket string
	keyEnc EncryptionKeyProvider
	zoneID string
}

// NewGCSObjectStore builds a driver against bucket using application
// default credentials.
func NewGCSObjectStore(ctx context.Context, bucket string, keyProvider EncryptionKeyProvider, zoneID string) (*GCSObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSObjectStore{client: client, bucket: bucket, keyEnc: keyProvider, zoneID: zoneID}, nil
}

func (s *GCSObjectStore) obj(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

func (s *GCSObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if s.keyEnc != nil {
		c, err := s.keyEnc.CipherFor(s.zoneID)
		if err != nil {
			return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
		}
		data, err = c.Seal(data)
		if err != nil {
			return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
		}
	}

	w := s.obj(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if err := w.Close(); err != nil {
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	return w.Attrs().Etag, nil
}

func (s *GCSObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.obj(key).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(err, "objectstore.Get", key)
	}
	if s.keyEnc == nil {
		return r, nil
	}
	defer r.Close()
	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}
	c, err := s.keyEnc.CipherFor(s.zoneID)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}
	plaintext, err := c.Open(ciphertext)
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

func (s *GCSObjectStore) ReadAt(ctx context.Context, key string, p []byte, offset int64) (int, error) {
	if s.keyEnc != nil {
		return 0, kernel.Errorf(kernel.InvalidArgument, "objectstore.ReadAt", nil).WithPath(key)
	}
	r, err := s.obj(key).NewRangeReader(ctx, offset, int64(len(p)))
	if err != nil {
		return 0, mapGCSError(err, "objectstore.ReadAt", key)
	}
	defer r.Close()
	return io.ReadFull(r, p)
}

func (s *GCSObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.obj(key).Delete(ctx); err != nil {
		return mapGCSError(err, "objectstore.Delete", key)
	}
	return nil
}

func (s *GCSObjectStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.obj(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, mapGCSError(err, "objectstore.Stat", key)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, Etag: attrs.Etag}, nil
}

type gcsKeyIterator struct {
	it *storage.ObjectIterator
}

func (s *GCSObjectStore) List(ctx context.Context, prefix string) (KeyIterator, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	return &gcsKeyIterator{it: it}, nil
}

func (k *gcsKeyIterator) Next() (string, bool, error) {
	attrs, err := k.it.Next()
	if errors.Is(err, iterator.Done) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return attrs.Name, true, nil
}

func (k *gcsKeyIterator) Close() error { return nil }

func mapGCSError(err error, op, key string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return kernel.Errorf(kernel.NotFound, op, err).WithPath(key)
	}
	return kernel.Errorf(kernel.Internal, op, err).WithPath(key)
}

func (s *GCSObjectStore) Probe() metrics.PillarHealth {
	if _, err := s.client.Bucket(s.bucket).Attrs(context.Background()); err != nil {
		return metrics.PillarHealth{Name: "objectstore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "objectstore", Healthy: true}
}
