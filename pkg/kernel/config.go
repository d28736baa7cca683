package kernel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting needed to assemble a Kernel: which driver each
// pillar uses and that driver's connection settings, plus the ReBAC graph
// safety limits and CAS GC grace period.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Metastore   MetastoreConfig   `yaml:"metastore"`
	RecordStore RecordStoreConfig `yaml:"recordstore"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	CacheStore  CacheStoreConfig  `yaml:"cachestore"`

	ReBAC ReBACConfig `yaml:"rebac"`
	CAS   CASConfig   `yaml:"cas"`

	Federation FederationConfig `yaml:"federation"`
}

type MetastoreConfig struct {
	Driver string `yaml:"driver"` // "bolt" | "raft"

	// bolt
	BoltPath string `yaml:"bolt_path"`

	// raft
	NodeID            string   `yaml:"node_id"`
	BindAddr          string   `yaml:"bind_addr"`
	Bootstrap         bool     `yaml:"bootstrap"`
	Peers             []string `yaml:"peers"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	LeaderLeaseTimeout time.Duration `yaml:"leader_lease_timeout"`
}

type RecordStoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"

	SQLitePath string `yaml:"sqlite_path"`

	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresMaxConns    int32  `yaml:"postgres_max_conns"`
}

type ObjectStoreConfig struct {
	Driver string `yaml:"driver"` // "local" | "s3" | "gcs"

	LocalRoot string `yaml:"local_root"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`

	GCSBucket      string `yaml:"gcs_bucket"`
	GCSCredentials string `yaml:"gcs_credentials"`

	// Encryption-at-rest, off by default.
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	MasterKeyHex      string `yaml:"master_key_hex"`
}

type CacheStoreConfig struct {
	Driver string `yaml:"driver"` // "memory" | "redis"

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type ReBACConfig struct {
	MaxDepth        int           `yaml:"max_depth"`
	MaxNodesVisited int           `yaml:"max_nodes_visited"`
	MaxFanOut       int           `yaml:"max_fan_out"`
	MaxQueries      int           `yaml:"max_queries"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	AdminBypass     bool          `yaml:"admin_bypass"`
	ClosureRebuildInterval time.Duration `yaml:"closure_rebuild_interval"`
}

type CASConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type FederationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`
	CertDir      string `yaml:"cert_dir"`
	KernelID     string `yaml:"kernel_id"`
}

// DefaultConfig returns a single-node, dev-driver configuration: bolt
// Metastore, sqlite RecordStore, local ObjectStore, in-process CacheStore.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Metastore: MetastoreConfig{
			Driver:   "bolt",
			BoltPath: dataDir + "/nexus-meta.db",
		},
		RecordStore: RecordStoreConfig{
			Driver:     "sqlite",
			SQLitePath: dataDir + "/nexus-records.db",
		},
		ObjectStore: ObjectStoreConfig{
			Driver:    "local",
			LocalRoot: dataDir + "/objects",
		},
		CacheStore: CacheStoreConfig{
			Driver: "memory",
		},
		ReBAC: ReBACConfig{
			MaxDepth:        10,
			MaxNodesVisited: 10000,
			MaxFanOut:       1000,
			MaxQueries:      100,
			CheckTimeout:    100 * time.Millisecond,
			CacheTTL:        30 * time.Second,
			ClosureRebuildInterval: time.Minute,
		},
		CAS: CASConfig{
			GracePeriod:   24 * time.Hour,
			SweepInterval: time.Hour,
		},
	}
}

// LoadConfig reads a YAML config file and overlays it onto DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig(".")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
