// Package metadata is the typed layer over the Metastore pillar: it
// encodes/decodes kernel.FileMetadata, directory listings, and tags as
// Metastore key/value pairs, so every other package works with Go structs
// rather than raw bytes and key-string conventions.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metastore"
)

// Store is the typed FileMetadata/DirEntry/Tag layer. It never interprets
// content bytes; that is the CAS engine's job.
type Store struct {
	ms metastore.Metastore
}

// New wraps a Metastore with the FileMetadata/DirEntry/Tag encoding.
func New(ms metastore.Metastore) *Store {
	return &Store{ms: ms}
}

func fileKey(zoneID, path string) []byte {
	return []byte(fmt.Sprintf("meta/%s/%s", zoneID, path))
}

func tagKey(zoneID, path, tagKey string) []byte {
	return []byte(fmt.Sprintf("tag/%s/%s/%s", zoneID, path, tagKey))
}

func tagPrefix(zoneID, path string) []byte {
	return []byte(fmt.Sprintf("tag/%s/%s/", zoneID, path))
}

func dirPrefix(zoneID, path string) []byte {
	p := strings.TrimSuffix(path, "/")
	return []byte(fmt.Sprintf("meta/%s/%s/", zoneID, p))
}

// Get returns the FileMetadata at path, or kernel.NotFound.
func (s *Store) Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error) {
	value, _, err := s.ms.Get(ctx, fileKey(zoneID, path))
	if err != nil {
		return kernel.FileMetadata{}, err
	}
	var fm kernel.FileMetadata
	if err := json.Unmarshal(value, &fm); err != nil {
		return kernel.FileMetadata{}, kernel.Errorf(kernel.Internal, "metadata.Get", err).WithPath(path)
	}
	return fm, nil
}

// Put writes FileMetadata, enforcing the caller's expected etag (empty
// string means "create or overwrite unconditionally").
func (s *Store) Put(ctx context.Context, fm kernel.FileMetadata, expectedEtag string) (string, error) {
	value, err := json.Marshal(fm)
	if err != nil {
		return "", kernel.Errorf(kernel.Internal, "metadata.Put", err).WithPath(fm.VirtualPath)
	}
	return s.ms.Put(ctx, fileKey(fm.ZoneID, fm.VirtualPath), value, expectedEtag)
}

// Delete removes the FileMetadata at path.
func (s *Store) Delete(ctx context.Context, zoneID, path, expectedEtag string) error {
	return s.ms.Delete(ctx, fileKey(zoneID, path), expectedEtag)
}

// List returns the immediate children of a directory path as DirEntry
// rows, derived by prefix-scanning FileMetadata keys one segment deep.
func (s *Store) List(ctx context.Context, zoneID, path string) ([]kernel.DirEntry, error) {
	it, err := s.ms.PrefixScan(ctx, dirPrefix(zoneID, path), nil, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	seen := make(map[string]bool)
	var entries []kernel.DirEntry
	prefix := dirPrefix(zoneID, path)

	for {
		kv, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		rel := strings.TrimPrefix(string(kv.Key), string(prefix))
		name := rel
		if idx := strings.Index(rel, "/"); idx >= 0 {
			name = rel[:idx]
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		var fm kernel.FileMetadata
		if idx := strings.Index(rel, "/"); idx < 0 {
			// direct child; kv.Value is its own metadata
			if err := json.Unmarshal(kv.Value, &fm); err != nil {
				return nil, kernel.Errorf(kernel.Internal, "metadata.List", err).WithPath(path)
			}
		} else {
			// nested descendant; synthesize an intermediate directory entry
			fm = kernel.FileMetadata{ZoneID: zoneID, VirtualPath: path + "/" + name, EntryType: kernel.EntryDirectory}
		}

		entries = append(entries, kernel.DirEntry{Name: name, Meta: fm})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// SetTag upserts a tag value for path.
func (s *Store) SetTag(ctx context.Context, zoneID, path, key, value string) error {
	_, err := s.ms.Put(ctx, tagKey(zoneID, path, key), []byte(value), "")
	return err
}

// DeleteTag removes a tag from path.
func (s *Store) DeleteTag(ctx context.Context, zoneID, path, key string) error {
	return s.ms.Delete(ctx, tagKey(zoneID, path, key), "")
}

// ListTags returns every tag attached to path.
func (s *Store) ListTags(ctx context.Context, zoneID, path string) ([]kernel.Tag, error) {
	it, err := s.ms.PrefixScan(ctx, tagPrefix(zoneID, path), nil, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prefix := tagPrefix(zoneID, path)
	var tags []kernel.Tag
	for {
		kv, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		key := strings.TrimPrefix(string(kv.Key), string(prefix))
		tags = append(tags, kernel.Tag{ZoneID: zoneID, FilePath: path, TagKey: key, TagValue: string(kv.Value)})
	}
	return tags, nil
}
