package router

import (
	"context"
	"testing"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

type fakeMeta struct {
	entries map[string]kernel.FileMetadata
}

func (f *fakeMeta) Get(ctx context.Context, zoneID, path string) (kernel.FileMetadata, error) {
	fm, ok := f.entries[zoneID+path]
	if !ok {
		return kernel.FileMetadata{}, kernel.Errorf(kernel.NotFound, "fakeMeta.Get", nil).WithPath(path)
	}
	return fm, nil
}

func TestRouter_UnknownRootNotFound(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a"}

	_, err := r.Access(context.Background(), opctx, "/nope/file", false, nil)
	if !kernel.IsNotFound(err) {
		t.Errorf("Access() error = %v, want NotFound for an unregistered root", err)
	}
}

func TestRouter_AdminOnlyDeniesNonAdmin(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a", IsAdmin: false}

	_, err := r.Access(context.Background(), opctx, "/system/config", false, nil)
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Access() error = %v, want PermissionDenied for non-admin on system root", err)
	}
}

func TestRouter_AdminOnlyAllowsAdmin(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a", IsAdmin: true}

	if _, err := r.Access(context.Background(), opctx, "/system/config", false, nil); err != nil {
		t.Errorf("Access() error = %v, want nil for admin on system root", err)
	}
}

func TestRouter_RequiresZoneDeniesAnonymous(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: ""}

	_, err := r.Access(context.Background(), opctx, "/workspace/foo.txt", false, nil)
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Access() error = %v, want PermissionDenied for a zone-requiring root with no zone", err)
	}
}

func TestRouter_ExternalRootNeedsNoZone(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: ""}

	if _, err := r.Access(context.Background(), opctx, "/external/shared.txt", false, nil); err != nil {
		t.Errorf("Access() error = %v, want nil: external root does not require a zone", err)
	}
}

func TestRouter_ReadOnlyRejectsMutation(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a"}

	_, err := r.Access(context.Background(), opctx, "/archives/old.txt", true, nil)
	if !kernel.IsReadOnly(err) {
		t.Errorf("Access() error = %v, want ReadOnly for a mutating op on a readonly root", err)
	}
	if _, err := r.Access(context.Background(), opctx, "/archives/old.txt", false, nil); err != nil {
		t.Errorf("Access() error = %v, want nil for a read on a readonly root", err)
	}
}

func TestRouter_MountTraversalSubstitutesZone(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a"}

	meta := &fakeMeta{entries: map[string]kernel.FileMetadata{
		"zone-a/shared/team": {
			EntryType:    kernel.EntryMount,
			TargetZoneID: "zone-b",
		},
	}}

	res, err := r.Access(context.Background(), opctx, "/shared/team", false, meta)
	if err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	if !res.CrossedMount {
		t.Error("Access() CrossedMount = false, want true")
	}
	if res.ZoneID != "zone-b" {
		t.Errorf("Access() ZoneID = %q, want zone-b", res.ZoneID)
	}
}

func TestRouter_NoMountLeavesZoneUnchanged(t *testing.T) {
	r := New(DefaultRoots()...)
	opctx := kernel.OperationContext{ZoneID: "zone-a"}

	meta := &fakeMeta{entries: map[string]kernel.FileMetadata{
		"zone-a/workspace/file.txt": {EntryType: kernel.EntryRegular},
	}}

	res, err := r.Access(context.Background(), opctx, "/workspace/file.txt", false, meta)
	if err != nil {
		t.Fatalf("Access() error = %v", err)
	}
	if res.CrossedMount {
		t.Error("Access() CrossedMount = true, want false for a regular file")
	}
	if res.ZoneID != "zone-a" {
		t.Errorf("Access() ZoneID = %q, want zone-a", res.ZoneID)
	}
}

func TestRouter_UpdateRootsReplacesTable(t *testing.T) {
	r := New(DefaultRoots()...)
	r.UpdateRoots([]NamespaceRoot{{Name: "scratch"}})

	opctx := kernel.OperationContext{ZoneID: "zone-a"}
	if _, err := r.Access(context.Background(), opctx, "/workspace/file.txt", false, nil); !kernel.IsNotFound(err) {
		t.Errorf("Access() error = %v, want NotFound after UpdateRoots dropped workspace", err)
	}
	if _, err := r.Access(context.Background(), opctx, "/scratch/file.txt", false, nil); err != nil {
		t.Errorf("Access() error = %v, want nil for the newly registered root", err)
	}
}
