package federation

import (
	"context"
	"testing"

	"github.com/nexus-kernel/nexus/pkg/metastore"
)

func newTestCA(t *testing.T) *CertAuthority {
	t.Helper()
	ms, err := metastore.NewBoltMetastore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltMetastore() error = %v", err)
	}
	t.Cleanup(func() { ms.Close() })
	ca, err := NewCertAuthority(ms, make([]byte, 32))
	if err != nil {
		t.Fatalf("NewCertAuthority() error = %v", err)
	}
	return ca
}

func TestNewCertAuthority_RejectsShortKey(t *testing.T) {
	ms, err := metastore.NewBoltMetastore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltMetastore() error = %v", err)
	}
	defer ms.Close()

	if _, err := NewCertAuthority(ms, []byte("too-short")); err == nil {
		t.Error("NewCertAuthority() with 9-byte key succeeded, want error")
	}
}

func TestInitialize_ThenLoadRoundTrips(t *testing.T) {
	ctx := context.Background()
	ms, err := metastore.NewBoltMetastore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltMetastore() error = %v", err)
	}
	defer ms.Close()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	ca1, err := NewCertAuthority(ms, key)
	if err != nil {
		t.Fatalf("NewCertAuthority() error = %v", err)
	}
	if err := ca1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ca2, err := NewCertAuthority(ms, key)
	if err != nil {
		t.Fatalf("NewCertAuthority() error = %v", err)
	}
	if err := ca2.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cert, err := ca2.IssuePeerCertificate("peer-1", []string{"peer-1.nexus.internal"}, nil)
	if err != nil {
		t.Fatalf("IssuePeerCertificate() after Load() error = %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("IssuePeerCertificate() returned a certificate with no parsed leaf")
	}
}

func TestIssuePeerCertificate_VerifiesAgainstRoot(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)
	if err := ca.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	cert, err := ca.IssuePeerCertificate("peer-1", []string{"peer-1.nexus.internal"}, nil)
	if err != nil {
		t.Fatalf("IssuePeerCertificate() error = %v", err)
	}

	if err := ca.VerifyPeerCertificate(cert.Leaf); err != nil {
		t.Errorf("VerifyPeerCertificate() error = %v, want nil", err)
	}
}

func TestVerifyPeerCertificate_RejectsUnknownCA(t *testing.T) {
	ctx := context.Background()
	ca1 := newTestCA(t)
	ca2 := newTestCA(t)
	if err := ca1.Initialize(ctx); err != nil {
		t.Fatalf("ca1.Initialize() error = %v", err)
	}
	if err := ca2.Initialize(ctx); err != nil {
		t.Fatalf("ca2.Initialize() error = %v", err)
	}

	cert, err := ca1.IssuePeerCertificate("peer-1", nil, nil)
	if err != nil {
		t.Fatalf("IssuePeerCertificate() error = %v", err)
	}

	if err := ca2.VerifyPeerCertificate(cert.Leaf); err == nil {
		t.Error("VerifyPeerCertificate() across unrelated CAs succeeded, want error")
	}
}

func TestTrustPool_EmptyBeforeInitialize(t *testing.T) {
	ca := newTestCA(t)
	cfg := ca.TrustPool()
	if cfg.ClientCAs != nil || cfg.RootCAs != nil {
		t.Error("TrustPool() before Initialize() returned a non-empty pool")
	}
}
