package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// LocalObjectStore is the single-node ObjectStore driver: one file per key
// under a root directory, written atomically via write-to-temp-then-rename
// so a reader never observes a partially written object.
type LocalObjectStore struct {
	root   string
	keyEnc EncryptionKeyProvider // nil when encryption-at-rest is disabled
	zoneID string

	mu sync.Mutex
}

// NewLocalObjectStore creates a driver rooted at dir. keyProvider may be
// nil to disable encryption-at-rest.
func NewLocalObjectStore(dir string, keyProvider EncryptionKeyProvider, zoneID string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &LocalObjectStore{root: dir, keyEnc: keyProvider, zoneID: zoneID}, nil
}

func (s *LocalObjectStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
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

	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", kernel.Errorf(kernel.Internal, "objectstore.Put", err).WithPath(key)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func (s *LocalObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, kernel.Errorf(kernel.NotFound, "objectstore.Get", err).WithPath(key)
	}
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
	}

	if s.keyEnc != nil {
		c, err := s.keyEnc.CipherFor(s.zoneID)
		if err != nil {
			return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
		}
		data, err = c.Open(data)
		if err != nil {
			return nil, kernel.Errorf(kernel.Internal, "objectstore.Get", err).WithPath(key)
		}
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *LocalObjectStore) ReadAt(ctx context.Context, key string, p []byte, offset int64) (int, error) {
	if s.keyEnc != nil {
		// Encrypted objects aren't seekable at the ciphertext level; fall
		// back to a full read.
		rc, err := s.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return 0, err
		}
		if offset >= int64(len(data)) {
			return 0, io.EOF
		}
		return copy(p, data[offset:]), nil
	}

	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return 0, kernel.Errorf(kernel.NotFound, "objectstore.ReadAt", err).WithPath(key)
	}
	if err != nil {
		return 0, kernel.Errorf(kernel.Internal, "objectstore.ReadAt", err).WithPath(key)
	}
	defer f.Close()
	return f.ReadAt(p, offset)
}

func (s *LocalObjectStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return kernel.Errorf(kernel.NotFound, "objectstore.Delete", err).WithPath(key)
		}
		return kernel.Errorf(kernel.Internal, "objectstore.Delete", err).WithPath(key)
	}
	return nil
}

func (s *LocalObjectStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return ObjectInfo{}, kernel.Errorf(kernel.NotFound, "objectstore.Stat", err).WithPath(key)
	}
	if err != nil {
		return ObjectInfo{}, kernel.Errorf(kernel.Internal, "objectstore.Stat", err).WithPath(key)
	}
	return ObjectInfo{Key: key, Size: info.Size()}, nil
}

type localKeyIterator struct {
	keys []string
	pos  int
}

func (it *localKeyIterator) Next() (string, bool, error) {
	if it.pos >= len(it.keys) {
		return "", false, nil
	}
	k := it.keys[it.pos]
	it.pos++
	return k, true, nil
}

func (it *localKeyIterator) Close() error { return nil }

func (s *LocalObjectStore) List(ctx context.Context, prefix string) (KeyIterator, error) {
	var keys []string
	prefixDir := filepath.Join(s.root, filepath.FromSlash(prefix))

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == prefixDir {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, kernel.Errorf(kernel.Internal, "objectstore.List", err).WithPath(prefix)
	}

	sort.Strings(keys)
	return &localKeyIterator{keys: keys}, nil
}

func (s *LocalObjectStore) Probe() metrics.PillarHealth {
	if _, err := os.Stat(s.root); err != nil {
		return metrics.PillarHealth{Name: "objectstore", Healthy: false, Message: err.Error()}
	}
	return metrics.PillarHealth{Name: "objectstore", Healthy: true}
}
