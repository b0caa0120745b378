// Package config loads and validates the coordinator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the coordinator's full configuration, matching SPEC_FULL.md §6.
type Config struct {
	General    General    `toml:"general"`
	ZooKeeper  ZooKeeper  `toml:"zookeeper"`
	AWS        AWS        `toml:"aws"`
	Outliers   Outliers   `toml:"outliers"`
	Druid      Druid      `toml:"druid"`
}

// General carries the ambient process settings: logging, local state,
// single-instance lock, and the status server bind address.
type General struct {
	LogLevel   string `toml:"log_level"`
	StateDB    string `toml:"state_db"`
	LockFile   string `toml:"lock_file"`
	StatusBind string `toml:"status_bind"`
}

// ZooKeeper configures the coordination client.
type ZooKeeper struct {
	Hosts     string   `toml:"zk_hosts"`
	SyncPath  string   `toml:"zk_sync_path"`
	Name      string   `toml:"zk_name"`
	SleepTime Duration `toml:"zk_sleep_time"`
	TickTime  Duration `toml:"zk_tick_time"`
}

// HostList splits the comma-separated zk_hosts string into individual
// host:port entries.
func (z ZooKeeper) HostList() []string {
	var hosts []string
	for _, h := range strings.Split(z.Hosts, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// AWS configures the artifact store client.
type AWS struct {
	S3PublicKey  string `toml:"s3_public_key"`
	S3PrivateKey string `toml:"s3_private_key"`
	S3Region     string `toml:"s3_region"`
	S3Bucket     string `toml:"s3_bucket"`
	S3Hostname   string `toml:"s3_hostname"`
}

// Outliers configures the Training Job's call into the trainer.
type Outliers struct {
	Epochs     int    `toml:"epochs"`
	BatchSize  int    `toml:"batch_size"`
	BackupPath string `toml:"backup_path"`
}

// Druid configures the Druid query client.
type Druid struct {
	Endpoint string `toml:"druid_endpoint"`
}

// Clone returns a deep copy of cfg so concurrent readers never observe a
// partially-updated struct.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	return &out
}

// Load reads and validates a coordinator TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a coordinator TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.outlierscoord/state.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "~/.outlierscoord/outlierscoord.lock"
	}
	if cfg.General.StatusBind == "" {
		cfg.General.StatusBind = "127.0.0.1:9480"
	}
	if cfg.ZooKeeper.SleepTime.Duration == 0 {
		cfg.ZooKeeper.SleepTime.Duration = 300 * time.Second
	}
	if cfg.ZooKeeper.TickTime.Duration == 0 {
		cfg.ZooKeeper.TickTime.Duration = 5 * time.Second
	}
	if cfg.ZooKeeper.SyncPath == "" {
		cfg.ZooKeeper.SyncPath = "/rbaioutliers/coordinator"
	}
	if cfg.Outliers.Epochs == 0 {
		cfg.Outliers.Epochs = 10
	}
	if cfg.Outliers.BatchSize == 0 {
		cfg.Outliers.BatchSize = 64
	}
	_ = md // reserved for future IsDefined-gated defaults
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Outliers.BackupPath = ExpandHome(cfg.Outliers.BackupPath)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func validate(cfg *Config) error {
	if cfg.ZooKeeper.Hosts == "" {
		return fmt.Errorf("zookeeper.zk_hosts is required")
	}
	if cfg.ZooKeeper.Name == "" {
		return fmt.Errorf("zookeeper.zk_name is required")
	}
	if cfg.ZooKeeper.SyncPath == "" {
		return fmt.Errorf("zookeeper.zk_sync_path is required")
	}
	if cfg.AWS.S3Bucket == "" {
		return fmt.Errorf("aws.s3_bucket is required")
	}
	if cfg.AWS.S3Region == "" {
		return fmt.Errorf("aws.s3_region is required")
	}
	if cfg.Druid.Endpoint == "" {
		return fmt.Errorf("druid.druid_endpoint is required")
	}
	if cfg.Outliers.Epochs <= 0 {
		return fmt.Errorf("outliers.epochs must be positive")
	}
	if cfg.Outliers.BatchSize <= 0 {
		return fmt.Errorf("outliers.batch_size must be positive")
	}
	return nil
}
