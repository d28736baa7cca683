package rebac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/cachestore"
	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	rs, err := recordstore.NewSQLiteRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteRecordStore() error = %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	reg := NewRegistry()
	reg.Register(DefaultFileNamespace())

	e := New(rs, cachestore.NewMemoryCacheStore(), reg, opts...)
	return e, uuid.NewString()
}

// TestEngine_TransitiveGrant grants (agent:alice)--member-of-->(group:devs),
// then (group:devs)--owner-of-->(file:/proj/x); check(alice, admin,
// file:/proj/x) must be true. Revoking the first tuple flips it back to
// false.
func TestEngine_TransitiveGrant(t *testing.T) {
	e, zoneID := newTestEngine(t)
	ctx := context.Background()

	membership := kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "agent", SubjectID: "alice",
		Relation: "member-of", ObjectType: "group", ObjectID: "devs",
	}
	ownership := kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "group", SubjectID: "devs",
		Relation: "owner-of", ObjectType: "file", ObjectID: "/proj/x",
	}
	if err := e.Grant(ctx, membership); err != nil {
		t.Fatalf("Grant(membership) error = %v", err)
	}
	if err := e.Grant(ctx, ownership); err != nil {
		t.Fatalf("Grant(ownership) error = %v", err)
	}

	opctx := kernel.OperationContext{SubjectID: "agent:alice", ZoneID: zoneID, Consistency: kernel.ConsistencyStrong}
	allowed, err := e.Check(ctx, opctx, "admin", "file", "/proj/x")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !allowed {
		t.Error("Check() = false, want true after transitive grant")
	}

	if err := e.Revoke(ctx, membership); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	allowed, err = e.Check(ctx, opctx, "admin", "file", "/proj/x")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if allowed {
		t.Error("Check() = true, want false after revoking membership")
	}
}

func TestEngine_DirectGrant(t *testing.T) {
	e, zoneID := newTestEngine(t)
	ctx := context.Background()

	if err := e.Grant(ctx, kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "agent", SubjectID: "bob",
		Relation: "viewer-of", ObjectType: "file", ObjectID: "/docs/readme.md",
	}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	opctx := kernel.OperationContext{SubjectID: "agent:bob", ZoneID: zoneID, Consistency: kernel.ConsistencyStrong}
	allowed, err := e.Check(ctx, opctx, "read", "file", "/docs/readme.md")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !allowed {
		t.Error("Check() = false, want true for direct viewer grant")
	}

	allowed, err = e.Check(ctx, opctx, "write", "file", "/docs/readme.md")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if allowed {
		t.Error("Check() = true, want false: viewer does not imply write")
	}
}

func TestEngine_NoTupleDenies(t *testing.T) {
	e, zoneID := newTestEngine(t)
	ctx := context.Background()

	opctx := kernel.OperationContext{SubjectID: "agent:nobody", ZoneID: zoneID}
	allowed, err := e.Check(ctx, opctx, "read", "file", "/secret")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if allowed {
		t.Error("Check() = true, want false with no tuples at all")
	}
}

func TestEngine_AdminBypass(t *testing.T) {
	e, zoneID := newTestEngine(t, WithAdminBypass(true))
	ctx := context.Background()

	opctx := kernel.OperationContext{SubjectID: "agent:root", ZoneID: zoneID, IsAdmin: true}
	allowed, err := e.Check(ctx, opctx, "write", "file", "/anything")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !allowed {
		t.Error("Check() = false, want true under admin bypass")
	}
}

func TestEngine_ZoneIsolation(t *testing.T) {
	e, zoneID := newTestEngine(t)
	otherZone := uuid.NewString()
	ctx := context.Background()

	if err := e.Grant(ctx, kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "agent", SubjectID: "alice",
		Relation: "owner-of", ObjectType: "file", ObjectID: "/x",
	}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	opctx := kernel.OperationContext{SubjectID: "agent:alice", ZoneID: otherZone}
	allowed, err := e.Check(ctx, opctx, "write", "file", "/x")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if allowed {
		t.Error("Check() = true, want false: tuple granted in a different zone")
	}
}

func TestEngine_GraphSafetyLimit(t *testing.T) {
	e, zoneID := newTestEngine(t, WithLimits(Limits{MaxDepth: 10, MaxNodes: 3, MaxFanout: 1000, MaxQueries: 100, Timeout: time.Second}))
	ctx := context.Background()

	if err := e.Grant(ctx, kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "agent", SubjectID: "alice",
		Relation: "owner-of", ObjectType: "file", ObjectID: "/x",
	}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	opctx := kernel.OperationContext{SubjectID: "agent:alice", ZoneID: zoneID, Consistency: kernel.ConsistencyStrong}
	_, err := e.Check(ctx, opctx, "write", "file", "/x")
	if !kernel.IsResourceExhausted(err) {
		t.Errorf("Check() error = %v, want ResourceExhausted under a tiny node budget", err)
	}
}

func TestEngine_GrantIsIdempotent(t *testing.T) {
	e, zoneID := newTestEngine(t)
	ctx := context.Background()

	tuple := kernel.ReBACTuple{
		ZoneID: zoneID, SubjectType: "agent", SubjectID: "alice",
		Relation: "owner-of", ObjectType: "file", ObjectID: "/x",
	}
	if err := e.Grant(ctx, tuple); err != nil {
		t.Fatalf("first Grant() error = %v", err)
	}
	if err := e.Grant(ctx, tuple); err != nil {
		t.Fatalf("second Grant() error = %v", err)
	}
}
