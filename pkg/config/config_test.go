package config

import (
	"os"
	"testing"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/stagetracker"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.SchemaPrefix != "krai" {
		t.Fatalf("expected default schema prefix krai, got %q", cfg.Database.SchemaPrefix)
	}
	if !cfg.Pipeline.CriticalStages[stagetracker.StageUpload] {
		t.Fatalf("expected upload stage to be critical by default")
	}
	if cfg.Pipeline.CriticalStages[stagetracker.StageClassification] {
		t.Fatalf("expected classification stage to be non-critical by default")
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_URL", "postgres://example/db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected env override to set port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://example/db" {
		t.Fatalf("expected POSTGRES_URL override, got %q", cfg.Database.URL)
	}
}

func TestNormalizeFillsMissingCriticalStages(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()
	if len(cfg.Pipeline.CriticalStages) != len(stagetracker.AllStages()) {
		t.Fatalf("expected all stages represented, got %d", len(cfg.Pipeline.CriticalStages))
	}
	if cfg.Pipeline.BroadcastTickSeconds != 1 {
		t.Fatalf("expected broadcast tick default 1, got %d", cfg.Pipeline.BroadcastTickSeconds)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
