package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ochronus/engineapi/internal/config"
	"github.com/ochronus/engineapi/pkg/engine"
)

func TestConfigTemplateContent(t *testing.T) {
	requiredKeys := []string{
		"base_url",
		"loglevel",
		"timeout_secs",
		"max_retries",
		"error_on_404",
		"upload_workers",
		"bind_address",
		"port",
		"[[uploads]]",
		"job_id",
		"path",
		"compressed",
		"gzip",
		"chunked",
		"close",
	}

	for _, key := range requiredKeys {
		if !strings.Contains(configTemplate, key) {
			t.Errorf("configTemplate missing required key: %s", key)
		}
	}
}

func TestConfigTemplatePlaceholder(t *testing.T) {
	if !strings.Contains(configTemplate, "{{BASE_URL}}") {
		t.Error("configTemplate missing {{BASE_URL}} placeholder")
	}
}

func TestGenerateConfigLoadsAndValidates(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "nested", "config.toml")

	if err := GenerateConfig(configPath, "http://engine.example.com:8080/engine/v2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if strings.Contains(string(content), "{{BASE_URL}}") {
		t.Error("config should not contain the placeholder after generation")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config is invalid: %v", err)
	}

	defaults := config.DefaultConfig()
	if cfg.BaseURL != "http://engine.example.com:8080/engine/v2" {
		t.Errorf("unexpected base_url '%s'", cfg.BaseURL)
	}
	if cfg.TimeoutSecs != defaults.TimeoutSecs || cfg.MaxRetries != defaults.MaxRetries ||
		cfg.UploadWorkers != defaults.UploadWorkers || cfg.Port != defaults.Port {
		t.Errorf("template values drifted from the defaults: %+v", cfg)
	}
	if len(cfg.Uploads) != 1 || cfg.Uploads[0].JobID != "farequote" || !cfg.Uploads[0].Close {
		t.Errorf("unexpected example upload: %+v", cfg.Uploads)
	}
}

func TestGenerateConfigBackup(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	originalContent := "original config content"
	if err := os.WriteFile(configPath, []byte(originalContent), 0644); err != nil {
		t.Fatalf("failed to write original config: %v", err)
	}

	if err := GenerateConfig(configPath, "http://localhost:8080/engine/v2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backupContent, err := os.ReadFile(configPath + ".bak")
	if err != nil {
		t.Fatalf("failed to read backup: %v", err)
	}
	if string(backupContent) != originalContent {
		t.Errorf("backup content mismatch: expected '%s', got '%s'", originalContent, string(backupContent))
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("new config not written: %v", err)
	}
	if mode := info.Mode().Perm(); mode&0644 != 0644 {
		t.Errorf("expected permissions 0644, got %o", mode)
	}
}

func TestTransferSummary(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		elapsed  time.Duration
		expected string
	}{
		{"no duration", 2048, 0, "2.048kB"},
		{"three seconds", 3 * 4194304, 3 * time.Second, "12.58MB in 3 seconds (4.194MB/s)"},
		{"one second", 1000, time.Second, "1kB in 1 second (1kB/s)"},
		{"empty", 0, 2 * time.Minute, "0B in 2 minutes (0B/s)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TransferSummary(tt.bytes, tt.elapsed); got != tt.expected {
				t.Errorf("TransferSummary(%d, %s) = %q, want %q", tt.bytes, tt.elapsed, got, tt.expected)
			}
		})
	}
}

func TestCountsSummary(t *testing.T) {
	latest := time.Date(2012, 10, 21, 13, 0, 0, 0, time.UTC)
	got := CountsSummary(engine.DataCounts{
		ProcessedRecordCount:     86275,
		ProcessedFieldCount:      258825,
		InputBytes:               4500000,
		OutOfOrderTimeStampCount: 2,
		LatestRecordTimeStamp:    &latest,
	})
	expected := "86275 records, 258825 fields, 4.5MB processed, 2 out of order, latest record 2012-10-21T13:00:00Z"
	if got != expected {
		t.Errorf("got %q, want %q", got, expected)
	}

	if got := CountsSummary(engine.DataCounts{}); got != "0 records, 0 fields, 0B processed" {
		t.Errorf("unexpected empty summary %q", got)
	}
}
