package metastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/nexus-kernel/nexus/pkg/log"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// raftCommand is one mutation applied through the replicated log.
type raftCommand struct {
	Op       string `json:"op"`
	Key      []byte `json:"key"`
	Value    []byte `json:"value"`
	Expected []byte `json:"expected,omitempty"`
	Etag     string `json:"etag,omitempty"`
}

type commandResult struct {
	Etag string
	Err  error
}

// RaftMetastore replicates the Metastore contract across a cluster using
// hashicorp/raft, with a bbolt-backed FSM store and bbolt-backed log/stable
// stores. Writes go through Raft.Apply on the leader; reads are always
// served from the local FSM store, with no leader read, so they can be
// stale on a follower.
type RaftMetastore struct {
	mu       sync.RWMutex
	nodeID   string
	raft     *raft.Raft
	fsm      *raftFSM
	applyTTL time.Duration
}

// RaftConfig configures a replicated Metastore node.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
}

// NewRaftMetastore starts (or rejoins) a raft-backed Metastore node.
func NewRaftMetastore(cfg RaftConfig) (*RaftMetastore, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	bolt, err := NewBoltMetastore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open fsm store: %w", err)
	}
	fsm := &raftFSM{store: bolt}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	log.WithNodeID(cfg.NodeID).Info().Str("bind", cfg.BindAddr).Msg("raft metastore node started")

	return &RaftMetastore{nodeID: cfg.NodeID, raft: r, fsm: fsm, applyTTL: cfg.ApplyTimeout}, nil
}

// AddVoter admits a peer into the raft configuration, used when a new node
// joins the cluster.
func (m *RaftMetastore) AddVoter(nodeID, addr string) error {
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (m *RaftMetastore) IsLeader() bool {
	return m.raft.State() == raft.Leader
}

func (m *RaftMetastore) apply(cmd raftCommand) commandResult {
	if m.raft.State() != raft.Leader {
		return commandResult{Err: fmt.Errorf("not leader")}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return commandResult{Err: err}
	}
	future := m.raft.Apply(data, m.applyTTL)
	if err := future.Error(); err != nil {
		return commandResult{Err: err}
	}
	res, _ := future.Response().(commandResult)
	return res
}

func (m *RaftMetastore) Put(ctx context.Context, key, value []byte, expectedEtag string) (string, error) {
	res := m.apply(raftCommand{Op: "put", Key: key, Value: value, Etag: expectedEtag})
	return res.Etag, res.Err
}

func (m *RaftMetastore) Get(ctx context.Context, key []byte) ([]byte, string, error) {
	return m.fsm.store.Get(ctx, key)
}

func (m *RaftMetastore) Delete(ctx context.Context, key []byte, expectedEtag string) error {
	res := m.apply(raftCommand{Op: "delete", Key: key, Etag: expectedEtag})
	return res.Err
}

func (m *RaftMetastore) PrefixScan(ctx context.Context, prefix, startAfter []byte, limit int) (Iterator, error) {
	return m.fsm.store.PrefixScan(ctx, prefix, startAfter, limit)
}

func (m *RaftMetastore) CompareAndSwap(ctx context.Context, key, expected, newValue []byte) (string, error) {
	res := m.apply(raftCommand{Op: "cas", Key: key, Value: newValue, Expected: expected})
	return res.Etag, res.Err
}

func (m *RaftMetastore) Close() error {
	m.raft.Shutdown()
	return m.fsm.store.Close()
}

func (m *RaftMetastore) Probe() metrics.PillarHealth {
	return metrics.PillarHealth{Name: "metastore", Healthy: true}
}

// raftFSM applies committed log entries to the local bbolt store.
type raftFSM struct {
	mu    sync.Mutex
	store *BoltMetastore
}

func (f *raftFSM) Apply(l *raft.Log) interface{} {
	var cmd raftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return commandResult{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()
	switch cmd.Op {
	case "put":
		etag, err := f.store.Put(ctx, cmd.Key, cmd.Value, cmd.Etag)
		return commandResult{Etag: etag, Err: err}
	case "delete":
		return commandResult{Err: f.store.Delete(ctx, cmd.Key, cmd.Etag)}
	case "cas":
		etag, err := f.store.CompareAndSwap(ctx, cmd.Key, cmd.Expected, cmd.Value)
		return commandResult{Etag: etag, Err: err}
	default:
		return commandResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

func (f *raftFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it, err := f.store.PrefixScan(context.Background(), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	var entries []KV
	for {
		kv, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, kv)
	}
	return &raftSnapshot{entries: entries}, nil
}

func (f *raftFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var entries []KV
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()
	for _, kv := range entries {
		if _, err := f.store.Put(ctx, kv.Key, kv.Value, ""); err != nil {
			return fmt.Errorf("restore key %q: %w", kv.Key, err)
		}
	}
	return nil
}

type raftSnapshot struct {
	entries []KV
}

func (s *raftSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(s.entries); err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *raftSnapshot) Release() {}
