package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
)

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "collab.yaml")
	yaml := `
running:
  port: 9000
redis:
  addrs: ["a:6379", "b:6379"]
collab:
  locktimeout: 150ms
  idlettl: 2m
`
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("DOCSYNC_KAFKA_TOPIC", "revs-test")
	t.Setenv("DOCSYNC_COLLAB_HISTORYCAP", "64")

	cfg, err := Load(viper.New(), file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Running.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Running.Port)
	}
	if diff := cmp.Diff([]string{"a:6379", "b:6379"}, cfg.Redis.Addrs); diff != "" {
		t.Errorf("redis addrs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Collab.LockTimeout != 150*time.Millisecond || cfg.Collab.IdleTTL != 2*time.Minute {
		t.Errorf("durations = %v / %v", cfg.Collab.LockTimeout, cfg.Collab.IdleTTL)
	}
	if cfg.Kafka.Topic != "revs-test" || cfg.Collab.HistoryCap != 64 {
		t.Errorf("env override: topic=%q historycap=%d", cfg.Kafka.Topic, cfg.Collab.HistoryCap)
	}
	// 未配置的键取默认值
	if cfg.Collab.FlushInterval != 300*time.Millisecond || cfg.Collab.MaxReplayRevisions != 500 {
		t.Errorf("defaults: flush=%v maxreplay=%d", cfg.Collab.FlushInterval, cfg.Collab.MaxReplayRevisions)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("Load() error = nil, want error for missing file")
	}
}
