package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/queued/queued/internal/config"
	"github.com/queued/queued/internal/pipeline"
	"github.com/queued/queued/internal/store"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

func writeTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
version: "1.0"
store:
  sqlite_path: ` + dbPath + `
workers:
  ui:
    - name: gh
      webhook:
        url: "https://example.test/hook"
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
	return path
}

func TestValidateConfigCmdReportsPipelineCount(t *testing.T) {
	path := writeTestConfig(t, filepath.Join(t.TempDir(), "q.db"))
	out := captureStdout(t, func() {
		cmd := newValidateConfigCmd()
		cmd.SetArgs([]string{path})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})
	if !strings.Contains(out, "ok (1 pipeline") {
		t.Fatalf("expected a success message naming 1 pipeline, got %q", out)
	}
}

func TestValidateConfigCmdRejectsMissingPipelineReference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
version: "1.0"
pipelines:
  - id: backend
    ui: missing
    vcs: missing
    ci: missing
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := newValidateConfigCmd()
	cmd.SetArgs([]string{path})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation to fail for unknown worker references")
	}
}

func TestStatusCmdReportsIdleForUnknownPipelineState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "q.db")
	path := writeTestConfig(t, dbPath)

	out := captureStdout(t, func() {
		cmd := newStatusCmd()
		cmd.SetArgs([]string{path})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})
	if !strings.Contains(out, "backend: idle, empty queue") {
		t.Fatalf("expected idle status line, got %q", out)
	}
}

func TestStatusCmdReportsRunningState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "q.db")
	path := writeTestConfig(t, dbPath)

	ctx := context.Background()
	st, err := store.Open(ctx, "", dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.SetRunning(ctx, "backend", &pipeline.RunningSlot{
		Entry: pipeline.Entry{PRID: "pr-9"}, SubState: pipeline.WaitingOnCI,
		Attempts: 2, CorrelationID: "backend:1", Deadline: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	st.Close()

	out := captureStdout(t, func() {
		cmd := newStatusCmd()
		cmd.SetArgs([]string{path})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})
	if !strings.Contains(out, "pr pr-9") || !strings.Contains(out, "attempt 2") {
		t.Fatalf("expected running status line mentioning pr-9 and attempt 2, got %q", out)
	}
}

func TestQueueListCmdRequiresPipelineFlag(t *testing.T) {
	path := writeTestConfig(t, filepath.Join(t.TempDir(), "q.db"))
	cmd := newQueueListCmd()
	cmd.SetArgs([]string{path})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --pipeline is omitted")
	}
}

func TestQueueListCmdPrintsQueuedEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "q.db")
	path := writeTestConfig(t, dbPath)

	ctx := context.Background()
	st, err := store.Open(ctx, "", dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.Enqueue(ctx, "backend", pipeline.Entry{
		ID: "e1", PRID: "pr-3", Requester: "alice", Priority: 5, ApprovedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st.Close()

	out := captureStdout(t, func() {
		cmd := newQueueListCmd()
		cmd.SetArgs([]string{"--pipeline", "backend", path})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})
	if !strings.Contains(out, "pr-3") || !strings.Contains(out, "alice") {
		t.Fatalf("expected the queued entry in the listing, got %q", out)
	}
}
