package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	p := writeTemp(t, "mimicmq.json", `{"defaultLeaseSeconds": 60, "reap": {"enabled": false, "intervalMs": 250, "maxPerTick": 16}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultLeaseSeconds != 60 {
		t.Fatalf("lease = %d", cfg.DefaultLeaseSeconds)
	}
	// untouched fields keep defaults
	if cfg.PayloadMaxBytes != Default().PayloadMaxBytes {
		t.Fatalf("payload cap = %d", cfg.PayloadMaxBytes)
	}
	if cfg.Reap.Enabled || cfg.Reap.IntervalMs != 250 || cfg.Reap.MaxPerTick != 16 {
		t.Fatalf("reap = %+v", cfg.Reap)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeTemp(t, "mimicmq.yaml", "dataDir: /tmp/mq\ndefaultMaxDeliveryCount: 3\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/mq" || cfg.DefaultMaxDeliveryCount != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	p := writeTemp(t, "bad.json", `{"defaultLeaseSeconds": -1}`)
	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error")
	}
	p = writeTemp(t, "bad2.yaml", "payloadMaxBytes: 0\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
