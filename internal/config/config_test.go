package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/queued/queued/internal/webhookdispatch"
)

func TestLoadMissingFileReturnsDefaultConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store == nil || cfg.Store.SQLitePath == "" {
		t.Fatal("expected a default sqlite path")
	}
	if cfg.Gateway == nil || cfg.Gateway.Port != 9091 {
		t.Fatalf("expected default gateway port 9091, got %+v", cfg.Gateway)
	}
}

func TestLoadParsesYAMLAndExpandsEnv(t *testing.T) {
	t.Setenv("QUEUED_TEST_SECRET", "s3cr3t")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
version: "1.0"
store:
  sqlite_path: ` + filepath.Join(dir, "queued.db") + `
workers:
  ui:
    - name: gh
      webhook:
        url: "https://example.test/hook"
        secret: "${QUEUED_TEST_SECRET}"
  vcs:
    - name: origin
      repo_path: /repo
      default_base: main
  ci:
    - name: actions
      status_url: "https://ci.example/status"
pipelines:
  - id: backend
    ui: gh
    vcs: origin
    ci: actions
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Workers.UI) != 1 || cfg.Workers.UI[0].Webhook.Secret != "s3cr3t" {
		t.Fatalf("expected env var expanded into webhook secret, got %+v", cfg.Workers.UI)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.GetPipeline("backend") == nil {
		t.Fatal("expected to find pipeline 'backend'")
	}
}

func TestValidateRejectsUnknownWorkerReference(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipelines = []*PipelineConfig{{ID: "p1", UIName: "missing", VCSName: "v", CIName: "c"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unknown ui worker reference")
	}
}

func TestValidateRejectsDuplicatePipelineID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = &WorkersConfig{
		UI:  []UIWorkerConfig{{Name: "ui", Webhook: &webhookdispatch.Config{}}},
		VCS: []VCSWorkerConfig{{Name: "vcs"}},
		CI:  []CIWorkerConfig{{Name: "ci"}},
	}
	cfg.Pipelines = []*PipelineConfig{
		{ID: "dup", UIName: "ui", VCSName: "vcs", CIName: "ci"},
		{ID: "dup", UIName: "ui", VCSName: "vcs", CIName: "ci"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a duplicate pipeline id")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipelines = []*PipelineConfig{{ID: "p1", UIName: "ui", VCSName: "vcs", CIName: "ci"}}
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Pipelines) != 1 || loaded.Pipelines[0].ID != "p1" {
		t.Fatalf("expected round-tripped pipeline, got %+v", loaded.Pipelines)
	}
}
