package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `
[general]
log_level = "debug"
state_db = "/tmp/outlierscoord/state.db"
lock_file = "/tmp/outlierscoord/outlierscoord.lock"
status_bind = "127.0.0.1:9480"

[zookeeper]
zk_hosts = "zk1:2181,zk2:2181"
zk_sync_path = "/rbaioutliers/coordinator"
zk_name = "node-1"
zk_sleep_time = "300s"
zk_tick_time = "5s"

[aws]
s3_public_key = "key"
s3_private_key = "secret"
s3_region = "us-east-1"
s3_bucket = "rbaioutliers"
s3_hostname = ""

[outliers]
epochs = 10
batch_size = 64
backup_path = "/var/lib/outlierscoord/backup"

[druid]
druid_endpoint = "http://druid-broker:8082/druid/v2"
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "outlierscoord.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ZooKeeper.Name != "node-1" {
		t.Fatalf("ZooKeeper.Name = %q, want node-1", cfg.ZooKeeper.Name)
	}
	if cfg.ZooKeeper.TickTime.Duration != 5*time.Second {
		t.Fatalf("ZooKeeper.TickTime = %v, want 5s", cfg.ZooKeeper.TickTime.Duration)
	}
	if got := cfg.ZooKeeper.HostList(); len(got) != 2 || got[0] != "zk1:2181" {
		t.Fatalf("HostList = %v, want [zk1:2181 zk2:2181]", got)
	}
	if cfg.AWS.S3Bucket != "rbaioutliers" {
		t.Fatalf("AWS.S3Bucket = %q, want rbaioutliers", cfg.AWS.S3Bucket)
	}
	if cfg.Outliers.Epochs != 10 {
		t.Fatalf("Outliers.Epochs = %d, want 10", cfg.Outliers.Epochs)
	}
	if cfg.Druid.Endpoint == "" {
		t.Fatal("Druid.Endpoint should be populated")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	minimal := `
[zookeeper]
zk_hosts = "zk1:2181"
zk_name = "node-1"

[aws]
s3_bucket = "rbaioutliers"
s3_region = "us-east-1"

[druid]
druid_endpoint = "http://druid:8082/druid/v2"
`
	path := writeTestConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Fatalf("default LogLevel = %q, want info", cfg.General.LogLevel)
	}
	if cfg.ZooKeeper.SleepTime.Duration != 300*time.Second {
		t.Fatalf("default SleepTime = %v, want 300s", cfg.ZooKeeper.SleepTime.Duration)
	}
	if cfg.ZooKeeper.SyncPath != "/rbaioutliers/coordinator" {
		t.Fatalf("default SyncPath = %q", cfg.ZooKeeper.SyncPath)
	}
	if cfg.Outliers.Epochs != 10 || cfg.Outliers.BatchSize != 64 {
		t.Fatalf("default Outliers = %+v", cfg.Outliers)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := []string{
		`[aws]
s3_bucket = "b"
s3_region = "r"
[druid]
druid_endpoint = "http://x"
`, // missing zk_hosts
		`[zookeeper]
zk_hosts = "zk1:2181"
zk_name = "n"
[druid]
druid_endpoint = "http://x"
`, // missing aws bucket
	}
	for i, content := range cases {
		path := writeTestConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/.outlierscoord/state.db")
	want := filepath.Join(home, ".outlierscoord/state.db")
	if got != want {
		t.Fatalf("ExpandHome = %q, want %q", got, want)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("2m")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Duration != 2*time.Minute {
		t.Fatalf("Duration = %v, want 2m", d.Duration)
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "2m0s" {
		t.Fatalf("MarshalText = %q, want 2m0s", text)
	}
}

func TestDurationRejectsInvalidText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatal("expected an error for an invalid duration string")
	}
}
