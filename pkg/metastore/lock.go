package metastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// Lock is an advisory mutual-exclusion lease held over a Metastore key.
// Neither the filesystem core nor the CAS garbage collector takes it.
type Lock struct {
	ms    Metastore
	key   []byte
	token string
}

type lockPayload struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// AcquireLock attempts to take an advisory lock at key with the given TTL.
// It uses CompareAndSwap against a nil-or-expired value, so at most one
// caller wins per TTL window even across Metastore drivers.
func AcquireLock(ctx context.Context, ms Metastore, key []byte, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	payload, err := json.Marshal(lockPayload{Token: token, Expiry: time.Now().Add(ttl)})
	if err != nil {
		return nil, err
	}

	existing, _, err := ms.Get(ctx, key)
	if err != nil && !kernel.IsNotFound(err) {
		return nil, err
	}

	if existing != nil && !lockExpired(existing) {
		return nil, kernel.Errorf(kernel.Conflict, "metastore.AcquireLock", nil).WithPath(string(key))
	}

	if _, err := ms.CompareAndSwap(ctx, key, existing, payload); err != nil {
		return nil, err
	}

	return &Lock{ms: ms, key: key, token: token}, nil
}

func lockExpired(value []byte) bool {
	var p lockPayload
	if err := json.Unmarshal(value, &p); err != nil {
		return true
	}
	return time.Now().After(p.Expiry)
}

// Release drops the lock if it is still held by this holder's token.
func (l *Lock) Release(ctx context.Context) error {
	current, _, err := l.ms.Get(ctx, l.key)
	if kernel.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var p lockPayload
	if err := json.Unmarshal(current, &p); err == nil && p.Token != l.token {
		return nil
	}
	return l.ms.Delete(ctx, l.key, "")
}
