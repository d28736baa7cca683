package metastore

import (
	"context"
	"testing"
)

func newTestMetastore(t *testing.T) *BoltMetastore {
	t.Helper()
	ms, err := NewBoltMetastore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltMetastore() error = %v", err)
	}
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestBoltMetastore_PutGet(t *testing.T) {
	ms := newTestMetastore(t)
	ctx := context.Background()

	etag, err := ms.Put(ctx, []byte("k1"), []byte("v1"), "")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if etag == "" {
		t.Fatal("Put() returned empty etag")
	}

	value, gotEtag, err := ms.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v1" {
		t.Errorf("Get() value = %q, want %q", value, "v1")
	}
	if gotEtag != etag {
		t.Errorf("Get() etag = %q, want %q", gotEtag, etag)
	}
}

func TestBoltMetastore_GetNotFound(t *testing.T) {
	ms := newTestMetastore(t)
	_, _, err := ms.Get(context.Background(), []byte("missing"))
	if err == nil {
		t.Fatal("Get() expected error for missing key")
	}
}

func TestBoltMetastore_PutStaleEtag(t *testing.T) {
	ms := newTestMetastore(t)
	ctx := context.Background()

	if _, err := ms.Put(ctx, []byte("k1"), []byte("v1"), ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	_, err := ms.Put(ctx, []byte("k1"), []byte("v2"), "wrong-etag")
	if err == nil {
		t.Fatal("Put() expected stale error on etag mismatch")
	}
}

func TestBoltMetastore_Delete(t *testing.T) {
	ms := newTestMetastore(t)
	ctx := context.Background()

	if _, err := ms.Put(ctx, []byte("k1"), []byte("v1"), ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := ms.Delete(ctx, []byte("k1"), ""); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := ms.Get(ctx, []byte("k1")); err == nil {
		t.Fatal("Get() expected error after delete")
	}
}

func TestBoltMetastore_PrefixScan(t *testing.T) {
	ms := newTestMetastore(t)
	ctx := context.Background()

	keys := []string{"dir/a", "dir/b", "dir/c", "other/x"}
	for _, k := range keys {
		if _, err := ms.Put(ctx, []byte(k), []byte("v"), ""); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}

	it, err := ms.PrefixScan(ctx, []byte("dir/"), nil, 0)
	if err != nil {
		t.Fatalf("PrefixScan() error = %v", err)
	}
	defer it.Close()

	var got []string
	for {
		kv, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(kv.Key))
	}

	want := []string{"dir/a", "dir/b", "dir/c"}
	if len(got) != len(want) {
		t.Fatalf("PrefixScan() got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PrefixScan()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBoltMetastore_CompareAndSwap(t *testing.T) {
	ms := newTestMetastore(t)
	ctx := context.Background()

	if _, err := ms.CompareAndSwap(ctx, []byte("k1"), nil, []byte("v1")); err != nil {
		t.Fatalf("CompareAndSwap() create error = %v", err)
	}

	if _, err := ms.CompareAndSwap(ctx, []byte("k1"), nil, []byte("v2")); err == nil {
		t.Fatal("CompareAndSwap() expected conflict on existing key with nil expected")
	}

	if _, err := ms.CompareAndSwap(ctx, []byte("k1"), []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("CompareAndSwap() update error = %v", err)
	}

	value, _, err := ms.Get(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != "v2" {
		t.Errorf("Get() value = %q, want %q", value, "v2")
	}
}
