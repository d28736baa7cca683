package main

import (
	"encoding/hex"
	"fmt"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metastore"
	"github.com/nexus-kernel/nexus/pkg/objectstore"
	"github.com/nexus-kernel/nexus/pkg/recordstore"
)

func parseMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("nexus-admin: invalid master_key_hex: %w", err)
	}
	return key, nil
}

// openMetastore and openRecordStore below only support the dev-driver
// (bolt/sqlite) side of each pillar's driver split: the maintenance
// operations this CLI runs are meant for the single-node deployments that
// shape targets, not a raft/postgres cluster an operator would reach
// through the kernel's own admin surface instead.

func openMetastore(cfg *kernel.Config) (metastore.Metastore, error) {
	switch cfg.Metastore.Driver {
	case "", "bolt":
		return metastore.NewBoltMetastore(cfg.Metastore.BoltPath)
	default:
		return nil, fmt.Errorf("nexus-admin: unsupported metastore driver %q for offline maintenance", cfg.Metastore.Driver)
	}
}

func openRecordStore(cfg *kernel.Config) (recordstore.RecordStore, error) {
	switch cfg.RecordStore.Driver {
	case "", "sqlite":
		return recordstore.NewSQLiteRecordStore(cfg.RecordStore.SQLitePath)
	default:
		return nil, fmt.Errorf("nexus-admin: unsupported recordstore driver %q for offline maintenance", cfg.RecordStore.Driver)
	}
}

func openObjectStore(cfg *kernel.Config, zoneID string) (objectstore.ObjectStore, error) {
	switch cfg.ObjectStore.Driver {
	case "", "local":
		var keyProvider objectstore.EncryptionKeyProvider
		if cfg.ObjectStore.EncryptionEnabled {
			key, err := parseMasterKey(cfg.ObjectStore.MasterKeyHex)
			if err != nil {
				return nil, err
			}
			keyProvider = objectstore.NewStaticKeyProvider(key)
		}
		return objectstore.NewLocalObjectStore(cfg.ObjectStore.LocalRoot, keyProvider, zoneID)
	default:
		return nil, fmt.Errorf("nexus-admin: unsupported objectstore driver %q for offline maintenance", cfg.ObjectStore.Driver)
	}
}
