package federation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

// Enroller mints, validates, and revokes bounded-lifetime tokens a remote
// kernel presents once to register a federation mount. Tokens are stored
// hash-at-rest in RecordStore: a leaked peer_enrollments row reveals no
// usable token, only its SHA-256.
type Enroller struct {
	rs recordstore.RecordStore
}

// NewEnroller wires an Enroller over a RecordStore.
func NewEnroller(rs recordstore.RecordStore) *Enroller {
	return &Enroller{rs: rs}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Enroll mints a new token for peerKernelID, valid until ttl elapses, and
// persists only its hash. The raw token is returned exactly once; callers
// must deliver it to the peer out of band.
func (e *Enroller) Enroll(ctx context.Context, zoneID, peerKernelID string, ttl time.Duration) (token string, err error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return "", kernel.Errorf(kernel.InvalidArgument, "federation.Enroll", err).WithPath(zoneID)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", kernel.Errorf(kernel.Internal, "federation.Enroll", err)
	}
	token = hex.EncodeToString(raw)

	now := time.Now()
	_, err = e.rs.Exec(ctx, zid,
		`INSERT INTO peer_enrollments (zone_id, peer_kernel_id, token_hash, issued_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, FALSE)
		 ON CONFLICT (zone_id, peer_kernel_id) DO UPDATE SET
		   token_hash = excluded.token_hash,
		   issued_at = excluded.issued_at,
		   expires_at = excluded.expires_at,
		   revoked = FALSE`,
		zoneID, peerKernelID, hashToken(token), now, now.Add(ttl))
	if err != nil {
		return "", err
	}
	return token, nil
}

// Validate checks that token is the current, unrevoked, unexpired
// enrollment for peerKernelID in zoneID. Comparison against the stored
// hash happens in constant time so a timing side channel can't shorten a
// brute-force search for a valid token.
func (e *Enroller) Validate(ctx context.Context, zoneID, peerKernelID, token string) error {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "federation.Validate", err).WithPath(zoneID)
	}

	rows, err := e.rs.Query(ctx, zid,
		`SELECT token_hash, expires_at, revoked FROM peer_enrollments
		 WHERE zone_id = ? AND peer_kernel_id = ?`,
		zoneID, peerKernelID)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		return kernel.Errorf(kernel.PermissionDenied, "federation.Validate", nil).WithPath(peerKernelID)
	}
	var storedHash string
	var expiresAt time.Time
	var revoked bool
	if err := rows.Scan(&storedHash, &expiresAt, &revoked); err != nil {
		return kernel.Errorf(kernel.Internal, "federation.Validate", err)
	}

	candidateHash := hashToken(token)
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidateHash)) != 1 {
		return kernel.Errorf(kernel.PermissionDenied, "federation.Validate", nil).WithPath(peerKernelID)
	}
	if revoked {
		return kernel.Errorf(kernel.PermissionDenied, "federation.Validate", nil).WithPath(peerKernelID)
	}
	if time.Now().After(expiresAt) {
		return kernel.Errorf(kernel.PermissionDenied, "federation.Validate", nil).WithPath(peerKernelID)
	}
	return nil
}

// Revoke immediately invalidates peerKernelID's enrollment in zoneID.
func (e *Enroller) Revoke(ctx context.Context, zoneID, peerKernelID string) error {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return kernel.Errorf(kernel.InvalidArgument, "federation.Revoke", err).WithPath(zoneID)
	}
	_, err = e.rs.Exec(ctx, zid,
		`UPDATE peer_enrollments SET revoked = TRUE WHERE zone_id = ? AND peer_kernel_id = ?`,
		zoneID, peerKernelID)
	return err
}

// List returns every enrollment recorded for zoneID, including expired or
// revoked ones, for administrative inspection.
func (e *Enroller) List(ctx context.Context, zoneID string) ([]kernel.PeerEnrollment, error) {
	zid, err := uuid.Parse(zoneID)
	if err != nil {
		return nil, kernel.Errorf(kernel.InvalidArgument, "federation.List", err).WithPath(zoneID)
	}
	rows, err := e.rs.Query(ctx, zid,
		`SELECT peer_kernel_id, token_hash, issued_at, expires_at, revoked
		 FROM peer_enrollments WHERE zone_id = ? ORDER BY issued_at DESC`,
		zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kernel.PeerEnrollment
	for rows.Next() {
		pe := kernel.PeerEnrollment{ZoneID: zoneID}
		if err := rows.Scan(&pe.PeerKernelID, &pe.TokenHash, &pe.IssuedAt, &pe.ExpiresAt, &pe.Revoked); err != nil {
			return nil, kernel.Errorf(kernel.Internal, "federation.List", err)
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}
