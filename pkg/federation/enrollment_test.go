package federation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

func newTestEnroller(t *testing.T) (*Enroller, string) {
	t.Helper()
	rs, err := recordstore.NewSQLiteRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteRecordStore() error = %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return NewEnroller(rs), uuid.NewString()
}

func TestEnroll_ThenValidateSucceeds(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	token, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if token == "" {
		t.Fatal("Enroll() returned empty token")
	}

	if err := e.Validate(ctx, zoneID, "peer-1", token); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_WrongTokenDenied(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	if _, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	err := e.Validate(ctx, zoneID, "peer-1", "not-the-real-token")
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Validate() error = %v, want PermissionDenied", err)
	}
}

func TestValidate_UnknownPeerDenied(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	err := e.Validate(ctx, zoneID, "never-enrolled", "whatever")
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Validate() error = %v, want PermissionDenied", err)
	}
}

func TestValidate_ExpiredTokenDenied(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	token, err := e.Enroll(ctx, zoneID, "peer-1", -time.Hour)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	err = e.Validate(ctx, zoneID, "peer-1", token)
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Validate() error = %v, want PermissionDenied for expired token", err)
	}
}

func TestRevoke_InvalidatesToken(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	token, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if err := e.Revoke(ctx, zoneID, "peer-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	err = e.Validate(ctx, zoneID, "peer-1", token)
	if !kernel.IsPermissionDenied(err) {
		t.Errorf("Validate() after Revoke error = %v, want PermissionDenied", err)
	}
}

func TestEnroll_ReenrollReplacesToken(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	first, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour)
	if err != nil {
		t.Fatalf("first Enroll() error = %v", err)
	}
	second, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour)
	if err != nil {
		t.Fatalf("second Enroll() error = %v", err)
	}

	if err := e.Validate(ctx, zoneID, "peer-1", first); err == nil {
		t.Error("Validate() with superseded token succeeded, want error")
	}
	if err := e.Validate(ctx, zoneID, "peer-1", second); err != nil {
		t.Errorf("Validate() with current token error = %v, want nil", err)
	}
}

func TestList_ReturnsAllEnrollments(t *testing.T) {
	e, zoneID := newTestEnroller(t)
	ctx := context.Background()

	if _, err := e.Enroll(ctx, zoneID, "peer-1", time.Hour); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if _, err := e.Enroll(ctx, zoneID, "peer-2", time.Hour); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	list, err := e.List(ctx, zoneID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() returned %d entries, want 2", len(list))
	}
}
