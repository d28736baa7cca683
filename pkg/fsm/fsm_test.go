package fsm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// fakeMeta is an in-memory MetadataStore double keyed by zoneID+path.
type fakeMeta struct {
	entries map[string]kernel.FileMetadata
	tags    map[string]map[string]string
	etagSeq int
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{entries: map[string]kernel.FileMetadata{}, tags: map[string]map[string]string{}}
}

func (f *fakeMeta) key(zoneID, path string) string { return zoneID + "\x00" + path }

func (f *fakeMeta) Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error) {
	fm, ok := f.entries[f.key(zoneID, path)]
	if !ok {
		return kernel.FileMetadata{}, kernel.Errorf(kernel.NotFound, "fakeMeta.Get", nil).WithPath(path)
	}
	return fm, nil
}

func (f *fakeMeta) Put(ctx context.Context, fm kernel.FileMetadata, expectedEtag string) (string, error) {
	key := f.key(fm.ZoneID, fm.VirtualPath)
	if existing, ok := f.entries[key]; ok && expectedEtag != "" && existing.Etag != expectedEtag {
		return "", kernel.Errorf(kernel.Stale, "fakeMeta.Put", nil).WithPath(fm.VirtualPath)
	}
	f.etagSeq++
	fm.Etag = fmt.Sprintf("etag-%d", f.etagSeq)
	f.entries[key] = fm
	return fm.Etag, nil
}

func (f *fakeMeta) Delete(ctx context.Context, zoneID, path, expectedEtag string) error {
	key := f.key(zoneID, path)
	existing, ok := f.entries[key]
	if !ok {
		return kernel.Errorf(kernel.NotFound, "fakeMeta.Delete", nil).WithPath(path)
	}
	if expectedEtag != "" && existing.Etag != expectedEtag {
		return kernel.Errorf(kernel.Stale, "fakeMeta.Delete", nil).WithPath(path)
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeMeta) List(ctx context.Context, zoneID, dirPath string) ([]kernel.DirEntry, error) {
	prefix := zoneID + "\x00" + strings.TrimSuffix(dirPath, "/") + "/"
	var out []kernel.DirEntry
	for key, fm := range f.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, kernel.DirEntry{Name: fm.VirtualPath, Meta: fm})
		}
	}
	return out, nil
}

func (f *fakeMeta) SetTag(ctx context.Context, zoneID, path, key, value string) error {
	k := f.key(zoneID, path)
	if f.tags[k] == nil {
		f.tags[k] = map[string]string{}
	}
	f.tags[k][key] = value
	return nil
}

func (f *fakeMeta) DeleteTag(ctx context.Context, zoneID, path, key string) error {
	delete(f.tags[f.key(zoneID, path)], key)
	return nil
}

func (f *fakeMeta) ListTags(ctx context.Context, zoneID, path string) ([]kernel.Tag, error) {
	var out []kernel.Tag
	for k, v := range f.tags[f.key(zoneID, path)] {
		out = append(out, kernel.Tag{ZoneID: zoneID, FilePath: path, TagKey: k, TagValue: v})
	}
	return out, nil
}

// fakeContent is an in-memory ContentStore double addressed by sha256Hex.
type fakeContent struct {
	blobs     map[string][]byte
	refcounts map[string]int
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: map[string][]byte{}, refcounts: map[string]int{}}
}

func (c *fakeContent) PutContent(ctx context.Context, data []byte) (string, error) {
	hash := sha256Hex(data)
	c.blobs[hash] = data
	c.refcounts[hash]++
	return hash, nil
}

func (c *fakeContent) GetContent(ctx context.Context, hash string) (io.ReadCloser, error) {
	data, ok := c.blobs[hash]
	if !ok {
		return nil, kernel.Errorf(kernel.NotFound, "fakeContent.GetContent", nil).WithPath(hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeContent) Retain(ctx context.Context, hash string) error {
	c.refcounts[hash]++
	return nil
}

func (c *fakeContent) Release(ctx context.Context, hash string) error {
	if c.refcounts[hash] <= 0 {
		return kernel.Errorf(kernel.NotFound, "fakeContent.Release", nil).WithPath(hash)
	}
	c.refcounts[hash]--
	return nil
}

// fakeOplog is a no-op OperationLog double that records calls for
// assertions without persisting anything durable.
type fakeOplog struct {
	appended []kernel.OperationLogEntry
	versions map[string][]kernel.VersionHistoryEntry
	failNext bool
}

func (l *fakeOplog) versionKey(zoneID, path string) string { return zoneID + "\x00" + path }

func (l *fakeOplog) Append(ctx context.Context, zoneID string, entry kernel.OperationLogEntry) error {
	if l.failNext {
		l.failNext = false
		return kernel.Errorf(kernel.Internal, "fakeOplog.Append", nil)
	}
	l.appended = append(l.appended, entry)
	return nil
}

func (l *fakeOplog) AppendOperationAndVersion(ctx context.Context, zoneID string, entry kernel.OperationLogEntry, version kernel.VersionHistoryEntry) error {
	if l.failNext {
		l.failNext = false
		return kernel.Errorf(kernel.Internal, "fakeOplog.AppendOperationAndVersion", nil)
	}
	l.appended = append(l.appended, entry)
	if l.versions == nil {
		l.versions = map[string][]kernel.VersionHistoryEntry{}
	}
	k := l.versionKey(zoneID, entry.FilePath)
	l.versions[k] = append(l.versions[k], version)
	return nil
}

func (l *fakeOplog) NextVersion(ctx context.Context, zoneID, path string) (int64, error) {
	return int64(len(l.versions[l.versionKey(zoneID, path)])) + 1, nil
}

func (l *fakeOplog) ReadAt(ctx context.Context, zoneID, path string, timestamp time.Time) (string, error) {
	return "", kernel.Errorf(kernel.NotFound, "fakeOplog.ReadAt", nil).WithPath(path)
}

func (l *fakeOplog) ListVersions(ctx context.Context, zoneID, path string) ([]kernel.VersionHistoryEntry, error) {
	entries := l.versions[l.versionKey(zoneID, path)]
	out := make([]kernel.VersionHistoryEntry, len(entries))
	for i, v := range entries {
		out[len(entries)-1-i] = v
	}
	return out, nil
}

func (l *fakeOplog) GetVersion(ctx context.Context, zoneID, path string, versionNumber int64) (kernel.VersionHistoryEntry, error) {
	for _, v := range l.versions[l.versionKey(zoneID, path)] {
		if v.VersionNumber == versionNumber {
			return v, nil
		}
	}
	return kernel.VersionHistoryEntry{}, kernel.Errorf(kernel.NotFound, "fakeOplog.GetVersion", nil).WithPath(path)
}

func (l *fakeOplog) Undo(ctx context.Context, opctx kernel.OperationContext, opID string, meta interface {
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
}) error {
	return nil
}

// fakePerm is a PermissionEngine double that allows everything unless a
// path is explicitly denied.
type fakePerm struct {
	denied map[string]bool
}

func newFakePerm() *fakePerm { return &fakePerm{denied: map[string]bool{}} }

func (p *fakePerm) Check(ctx context.Context, opctx kernel.OperationContext, permission, objectType, objectID string) (bool, error) {
	return !p.denied[objectID], nil
}

// fakeRouter is a PathRouter double that always resolves to a single zone.
type fakeRouter struct {
	zoneID string
}

func (r *fakeRouter) Access(ctx context.Context, opctx kernel.OperationContext, path string, mutating bool, meta interface {
	Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error)
}) (ResolutionZone, error) {
	zoneID := r.zoneID
	if zoneID == "" {
		zoneID = opctx.ZoneID
	}
	return ResolutionZone{ZoneID: zoneID}, nil
}

// fakeCache is an in-memory CacheStore double.
type fakeCache struct {
	values    map[string][]byte
	published []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string][]byte{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.values[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	delete(c.values, key)
	return nil
}

func (c *fakeCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	for k := range c.values {
		if strings.HasPrefix(k, prefix) {
			delete(c.values, k)
		}
	}
	return nil
}

func (c *fakeCache) Publish(ctx context.Context, channel string, payload []byte) error {
	c.published = append(c.published, channel)
	return nil
}

func newTestFilesystem(zoneID string) (*Filesystem, *fakeMeta, *fakeContent, *fakeOplog, *fakePerm, *fakeCache) {
	meta := newFakeMeta()
	content := newFakeContent()
	oplog := &fakeOplog{}
	perm := newFakePerm()
	cache := newFakeCache()
	router := &fakeRouter{zoneID: zoneID}
	fs := New(meta, content, oplog, perm, router, cache, func(zoneID, entity string) string {
		return "rebac/check/" + zoneID + "/" + entity + "/"
	})
	return fs, meta, content, oplog, perm, cache
}

func testOpCtx(zoneID string) kernel.OperationContext {
	return kernel.OperationContext{SubjectID: "user:alice", ZoneID: zoneID}
}

func TestWrite_CreatesNewFile(t *testing.T) {
	fs, meta, content, oplog, _, cache := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")

	etag, err := fs.Write(context.Background(), opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if etag == "" {
		t.Fatal("Write() returned empty etag")
	}

	fm, err := meta.Get(context.Background(), "zone-a", "/workspace/a.txt")
	if err != nil {
		t.Fatalf("Get() after Write error = %v", err)
	}
	if fm.ContentHash != sha256Hex([]byte("hello")) {
		t.Errorf("ContentHash = %q, want sha256 of payload", fm.ContentHash)
	}
	if fm.OwnerSubject != "user:alice" {
		t.Errorf("OwnerSubject = %q, want user:alice", fm.OwnerSubject)
	}
	if content.refcounts[fm.ContentHash] != 1 {
		t.Errorf("refcount = %d, want 1", content.refcounts[fm.ContentHash])
	}
	if len(oplog.appended) != 1 || oplog.appended[0].OpType != kernel.OpWrite {
		t.Errorf("oplog entries = %+v, want one OpWrite", oplog.appended)
	}
	if len(cache.published) != 1 {
		t.Errorf("published events = %v, want one", cache.published)
	}
}

func TestWrite_OverwriteReleasesOldHash(t *testing.T) {
	fs, _, content, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v1"), WriteOptions{}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	oldHash := sha256Hex([]byte("v1"))

	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v2"), WriteOptions{}); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}
	if content.refcounts[oldHash] != 0 {
		t.Errorf("old hash refcount = %d, want 0 after overwrite", content.refcounts[oldHash])
	}
}

func TestWrite_IfMatchMismatchFailsPrecondition(t *testing.T) {
	fs, meta, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v1"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	_, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v2"), WriteOptions{IfMatch: "wrong-etag"})
	if !kernel.IsPreconditionFailed(err) {
		t.Errorf("Write() error = %v, want PreconditionFailed", err)
	}

	fm, _ := meta.Get(ctx, "zone-a", "/workspace/a.txt")
	if fm.ContentHash != sha256Hex([]byte("v1")) {
		t.Errorf("content changed despite failed precondition: %q", fm.ContentHash)
	}
}

func TestWrite_PermissionDenied(t *testing.T) {
	fs, _, _, _, perm, _ := newTestFilesystem("zone-a")
	perm.denied["/workspace"] = true
	opctx := testOpCtx("zone-a")

	_, err := fs.Write(context.Background(), opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{})
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Write() error = %v, want PermissionDenied", err)
	}
}

func TestWrite_BeforeWriteHookRejects(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	fs.RegisterBeforeWrite(func(ctx context.Context, opctx kernel.OperationContext, path string, data []byte) error {
		return kernel.Errorf(kernel.InvalidArgument, "test hook", nil)
	})
	opctx := testOpCtx("zone-a")

	_, err := fs.Write(context.Background(), opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{})
	if !kernel.IsInvalidArgument(err) {
		t.Errorf("Write() error = %v, want InvalidArgument from rejected hook", err)
	}
}

func TestWrite_AfterWriteHookFires(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	var seenPath, seenEtag string
	fs.RegisterAfterWrite(func(ctx context.Context, opctx kernel.OperationContext, path string, etag string) {
		seenPath, seenEtag = path, etag
	})
	opctx := testOpCtx("zone-a")

	etag, err := fs.Write(context.Background(), opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if seenPath != "/workspace/a.txt" || seenEtag != etag {
		t.Errorf("after_write hook saw (%q, %q), want (%q, %q)", seenPath, seenEtag, "/workspace/a.txt", etag)
	}
}

func TestRead_RoundTripsWrittenContent(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := fs.Read(ctx, opctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read() = %q, want %q", data, "hello")
	}
}

func TestRead_PermissionDenied(t *testing.T) {
	fs, _, _, _, perm, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	perm.denied["/workspace/a.txt"] = true

	_, err := fs.Read(ctx, opctx, "/workspace/a.txt")
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Read() error = %v, want PermissionDenied", err)
	}
}

func TestDelete_ReleasesContentAndRecordsUndoState(t *testing.T) {
	fs, meta, content, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	hash := sha256Hex([]byte("hello"))

	if err := fs.Delete(ctx, opctx, "/workspace/a.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := meta.Get(ctx, "zone-a", "/workspace/a.txt"); !kernel.IsNotFound(err) {
		t.Errorf("Get() after Delete error = %v, want NotFound", err)
	}
	if content.refcounts[hash] != 0 {
		t.Errorf("refcount after Delete = %d, want 0", content.refcounts[hash])
	}
	last := oplog.appended[len(oplog.appended)-1]
	if last.OpType != kernel.OpDelete {
		t.Errorf("last oplog entry OpType = %v, want OpDelete", last.OpType)
	}
	if _, ok := last.UndoState["file_metadata"]; !ok {
		t.Error("delete entry's UndoState missing file_metadata")
	}
}

func TestList_FiltersByReadPermission(t *testing.T) {
	fs, _, _, _, perm, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("a"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := fs.Write(ctx, opctx, "/workspace/b.txt", []byte("b"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	perm.denied["/workspace/b.txt"] = true

	entries, err := fs.List(ctx, opctx, "/workspace")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Meta.VirtualPath != "/workspace/a.txt" {
		t.Errorf("List() = %+v, want only a.txt visible", entries)
	}
}

func TestCopy_RetainsSourceHash(t *testing.T) {
	fs, meta, content, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/src.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	hash := sha256Hex([]byte("hello"))

	if _, err := fs.Copy(ctx, opctx, "/workspace/src.txt", "/workspace/dst.txt"); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	dst, err := meta.Get(ctx, "zone-a", "/workspace/dst.txt")
	if err != nil {
		t.Fatalf("Get() dst error = %v", err)
	}
	if dst.ContentHash != hash {
		t.Errorf("dst ContentHash = %q, want %q", dst.ContentHash, hash)
	}
	if content.refcounts[hash] != 2 {
		t.Errorf("refcount after Copy = %d, want 2 (src + dst)", content.refcounts[hash])
	}
}

func TestMove_RewritesPathAndRemovesSource(t *testing.T) {
	fs, meta, _, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/src.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := fs.Move(ctx, opctx, "/workspace/src.txt", "/workspace/dst.txt"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if _, err := meta.Get(ctx, "zone-a", "/workspace/src.txt"); !kernel.IsNotFound(err) {
		t.Errorf("Get() src after Move error = %v, want NotFound", err)
	}
	dst, err := meta.Get(ctx, "zone-a", "/workspace/dst.txt")
	if err != nil {
		t.Fatalf("Get() dst error = %v", err)
	}
	if dst.VirtualPath != "/workspace/dst.txt" {
		t.Errorf("dst.VirtualPath = %q, want /workspace/dst.txt", dst.VirtualPath)
	}
	last := oplog.appended[len(oplog.appended)-1]
	if last.OpType != kernel.OpRename || last.UndoState["prior_path"] != "/workspace/src.txt" {
		t.Errorf("rename entry = %+v, want prior_path /workspace/src.txt", last)
	}
}

func TestUndo_DelegatesToOperationLog(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")

	if err := fs.Undo(context.Background(), opctx, "op-123"); err != nil {
		t.Errorf("Undo() error = %v, want nil from the fake log's no-op Undo", err)
	}
}

func TestStat_ReturnsCurrentMetadata(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	fm, err := fs.Stat(ctx, opctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fm.ContentHash != sha256Hex([]byte("hello")) {
		t.Errorf("Stat() ContentHash = %q, want sha256 of payload", fm.ContentHash)
	}
}

func TestMkdir_CreatesDirectoryEntry(t *testing.T) {
	fs, meta, _, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if err := fs.Mkdir(ctx, opctx, "/workspace/dir", false); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	fm, err := meta.Get(ctx, "zone-a", "/workspace/dir")
	if err != nil {
		t.Fatalf("Get() after Mkdir error = %v", err)
	}
	if fm.EntryType != kernel.EntryDirectory {
		t.Errorf("EntryType = %v, want EntryDirectory", fm.EntryType)
	}
	if len(oplog.appended) != 1 || oplog.appended[0].OpType != kernel.OpMkdir {
		t.Errorf("oplog entries = %+v, want one OpMkdir", oplog.appended)
	}
}

func TestMkdir_AlreadyExistsFails(t *testing.T) {
	fs, _, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if err := fs.Mkdir(ctx, opctx, "/workspace/dir", false); err != nil {
		t.Fatalf("first Mkdir() error = %v", err)
	}

	err := fs.Mkdir(ctx, opctx, "/workspace/dir", false)
	if !kernel.IsAlreadyExists(err) {
		t.Errorf("Mkdir() error = %v, want AlreadyExists", err)
	}
}

func TestMkdir_CreateParentsWalksUpTree(t *testing.T) {
	fs, meta, _, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if err := fs.Mkdir(ctx, opctx, "/workspace/a/b/c", true); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	for _, p := range []string{"/workspace/a", "/workspace/a/b", "/workspace/a/b/c"} {
		if _, err := meta.Get(ctx, "zone-a", p); err != nil {
			t.Errorf("Get(%q) error = %v, want ancestor to exist", p, err)
		}
	}
}

func TestChmod_UpdatesModeAndRecordsUndoState(t *testing.T) {
	fs, meta, _, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := fs.Chmod(ctx, opctx, "/workspace/a.txt", 0o600); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	fm, _ := meta.Get(ctx, "zone-a", "/workspace/a.txt")
	if fm.Mode != 0o600 {
		t.Errorf("Mode = %o, want 0600", fm.Mode)
	}
	last := oplog.appended[len(oplog.appended)-1]
	if last.OpType != kernel.OpChmod || last.UndoState["mode"] != float64(0o644) {
		t.Errorf("chmod entry = %+v, want prior mode 0644", last)
	}
}

func TestChown_UpdatesOwnerAndGroup(t *testing.T) {
	fs, meta, _, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := fs.Chown(ctx, opctx, "/workspace/a.txt", "user:bob", "group:eng"); err != nil {
		t.Fatalf("Chown() error = %v", err)
	}
	fm, _ := meta.Get(ctx, "zone-a", "/workspace/a.txt")
	if fm.OwnerSubject != "user:bob" || fm.Group != "group:eng" {
		t.Errorf("owner/group = %q/%q, want user:bob/group:eng", fm.OwnerSubject, fm.Group)
	}
	last := oplog.appended[len(oplog.appended)-1]
	if last.OpType != kernel.OpChown || last.UndoState["owner_subject"] != "user:alice" {
		t.Errorf("chown entry = %+v, want prior owner_subject user:alice", last)
	}
}

func TestSetTagAndDeleteTag_RoundTripWithUndoState(t *testing.T) {
	fs, _, _, oplog, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("hello"), WriteOptions{}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := fs.SetTag(ctx, opctx, "/workspace/a.txt", "project", "nexus"); err != nil {
		t.Fatalf("SetTag() error = %v", err)
	}
	tags, err := fs.ListTags(ctx, opctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("ListTags() error = %v", err)
	}
	if len(tags) != 1 || tags[0].TagValue != "nexus" {
		t.Errorf("ListTags() = %+v, want one tag project=nexus", tags)
	}

	if err := fs.SetTag(ctx, opctx, "/workspace/a.txt", "project", "warren"); err != nil {
		t.Fatalf("overwrite SetTag() error = %v", err)
	}
	overwriteEntry := oplog.appended[len(oplog.appended)-1]
	if overwriteEntry.UndoState["prior_value"] != "nexus" {
		t.Errorf("overwrite undo_state = %+v, want prior_value nexus", overwriteEntry.UndoState)
	}

	if err := fs.DeleteTag(ctx, opctx, "/workspace/a.txt", "project"); err != nil {
		t.Fatalf("DeleteTag() error = %v", err)
	}
	deleteEntry := oplog.appended[len(oplog.appended)-1]
	if deleteEntry.OpType != kernel.OpTagDelete || deleteEntry.UndoState["prior_value"] != "warren" {
		t.Errorf("delete tag entry = %+v, want prior_value warren", deleteEntry)
	}
	tags, err = fs.ListTags(ctx, opctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("ListTags() after delete error = %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("ListTags() after delete = %+v, want none", tags)
	}
}

func TestListVersionsAndRollback(t *testing.T) {
	fs, meta, content, _, _, _ := newTestFilesystem("zone-a")
	opctx := testOpCtx("zone-a")
	ctx := context.Background()

	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v1"), WriteOptions{}); err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	if _, err := fs.Write(ctx, opctx, "/workspace/a.txt", []byte("v2"), WriteOptions{}); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	versions, err := fs.ListVersions(ctx, opctx, "/workspace/a.txt")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("ListVersions() = %+v, want 2 entries", versions)
	}
	if versions[0].VersionNumber < versions[1].VersionNumber {
		t.Errorf("ListVersions() not newest-first: %+v", versions)
	}

	// Per the operation log's convention, a version record captures the
	// content hash the path held immediately before the write that
	// assigned that version number (see oplog.AppendOperationAndVersion),
	// so the record tagged with v1's hash is the one from the second
	// write's pre-image, not the first write's own version number.
	v1Hash := sha256Hex([]byte("v1"))
	var v1Version kernel.VersionHistoryEntry
	for _, v := range versions {
		if v.ContentHash == v1Hash {
			v1Version = v
		}
	}
	if v1Version.VersionNumber == 0 {
		t.Fatalf("no version record found holding v1's content hash: %+v", versions)
	}

	if _, err := fs.Rollback(ctx, opctx, "/workspace/a.txt", v1Version.VersionNumber); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	fm, err := meta.Get(ctx, "zone-a", "/workspace/a.txt")
	if err != nil {
		t.Fatalf("Get() after Rollback error = %v", err)
	}
	if fm.ContentHash != v1Hash {
		t.Errorf("ContentHash after Rollback = %q, want %q", fm.ContentHash, v1Hash)
	}
	if content.refcounts[v1Hash] < 1 {
		t.Errorf("refcount for rolled-back hash = %d, want >= 1", content.refcounts[v1Hash])
	}
}
