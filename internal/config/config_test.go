package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Download.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Download.Workers)
	}
	if cfg.Download.ChunkSizeBytes != 4*1024*1024 {
		t.Errorf("ChunkSizeBytes = %d, want 4MiB", cfg.Download.ChunkSizeBytes)
	}
	if cfg.Download.TimeoutDuration != 10*time.Second {
		t.Errorf("TimeoutDuration = %v, want 10s", cfg.Download.TimeoutDuration)
	}
	if cfg.Download.BufferSizeBytes != 0 {
		t.Errorf("BufferSizeBytes = %d, want 0", cfg.Download.BufferSizeBytes)
	}
	if cfg.Redis.Stream != "download_tasks" || cfg.Redis.Group != "download-group" {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Worker.MaxThreads != 50 {
		t.Errorf("MaxThreads = %d, want 50", cfg.Worker.MaxThreads)
	}
	if cfg.OBS.Enabled() {
		t.Error("OBS should be disabled without credentials")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("DOWNLOAD_WORKERS", "16")
	t.Setenv("OBS_ENDPOINT", "https://obs.example.com")
	t.Setenv("OBS_AK", "ak")
	t.Setenv("OBS_SK", "sk")
	t.Setenv("OBS_BUCKET", "media")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("Redis.Addr = %q, want redis:6380", cfg.Redis.Addr)
	}
	if cfg.Download.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Download.Workers)
	}
	if !cfg.OBS.Enabled() {
		t.Error("OBS should be enabled")
	}
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
download:
  workers: 4
  chunk_size: 1MiB
  retries: 2
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 8, "")
	flags.String("chunk-size", "4MiB", "")
	if err := flags.Parse([]string{"--workers", "2"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// 显式传入的参数优先于配置文件
	if cfg.Download.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Download.Workers)
	}
	// 未修改的参数不覆盖配置文件
	if cfg.Download.ChunkSizeBytes != 1024*1024 {
		t.Errorf("ChunkSizeBytes = %d, want 1MiB", cfg.Download.ChunkSizeBytes)
	}
	if cfg.Download.Retries != 2 {
		t.Errorf("Retries = %d, want 2", cfg.Download.Retries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Download: DownloadConfig{Workers: 8, ChunkSize: "4MiB", Timeout: "10s", RetryBackoff: "1s"},
			Worker:   WorkerConfig{DefaultThreads: 8, MaxThreads: 50},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero workers", mutate: func(c *Config) { c.Download.Workers = 0 }, wantErr: true},
		{name: "bad chunk size", mutate: func(c *Config) { c.Download.ChunkSize = "lots" }, wantErr: true},
		{name: "bad timeout", mutate: func(c *Config) { c.Download.Timeout = "soon" }, wantErr: true},
		{name: "negative deadline", mutate: func(c *Config) { c.Download.Deadline = "-1s" }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Download.Retries = -1 }, wantErr: true},
		{name: "max below default", mutate: func(c *Config) { c.Worker.MaxThreads = 4 }, wantErr: true},
		{name: "buffer size", mutate: func(c *Config) { c.Download.BufferSize = "64KiB" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
