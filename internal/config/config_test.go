package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"qpilot/internal/config"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template should validate: %v", err)
	}
	if cfg.Project.ID == "" {
		t.Fatal("default project id empty")
	}
	if len(cfg.Worker.Command) == 0 {
		t.Fatal("default worker command empty")
	}
	if cfg.Paths.RunsDir == "" {
		t.Fatal("default runs dir empty")
	}
}

func TestDefaultPathsAreWorkspaceRelative(t *testing.T) {
	cfg := config.Default()
	if filepath.IsAbs(cfg.Paths.RunsDir) || filepath.IsAbs(cfg.Paths.TemplatesDir) {
		t.Fatalf("default paths must be workspace-relative: %+v", cfg.Paths)
	}

	// The engine joins these against the workspace; the result must live
	// directly under it, not under a doubled prefix.
	workspace := t.TempDir()
	runs := filepath.Join(workspace, cfg.Paths.RunsDir)
	if runs != filepath.Join(workspace, "runs") {
		t.Fatalf("runs dir resolves to %s", runs)
	}
	templates := filepath.Join(workspace, cfg.Paths.TemplatesDir)
	if templates != filepath.Join(workspace, "templates") {
		t.Fatalf("templates dir resolves to %s", templates)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing project", "worker:\n  command: [w]\npaths:\n  runs_dir: runs\n"},
		{"missing command", "project:\n  id: p\npaths:\n  runs_dir: runs\n"},
		{"empty command part", "project:\n  id: p\nworker:\n  command: [w, \"\"]\npaths:\n  runs_dir: runs\n"},
		{"missing runs dir", "project:\n  id: p\nworker:\n  command: [w]\n"},
		{"bad log level", "project:\n  id: p\nworker:\n  command: [w]\npaths:\n  runs_dir: runs\nlog:\n  level: loud\n"},
	}
	for _, tc := range cases {
		if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateDefaultsBasePath(t *testing.T) {
	cfg, err := config.FromYAML([]byte("project:\n  id: p\nworker:\n  command: [w]\npaths:\n  runs_dir: runs\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %s", cfg.Server.BasePath)
	}
}

func TestParseLevel(t *testing.T) {
	if config.ParseLevel("debug") != slog.LevelDebug {
		t.Fatal("debug")
	}
	if config.ParseLevel("warn") != slog.LevelWarn {
		t.Fatal("warn")
	}
	if config.ParseLevel("") != slog.LevelInfo {
		t.Fatal("default should be info")
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := config.SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	logger.Info("step done", "run_id", "pilot-001")

	if !strings.Contains(stderr.String(), "step done") {
		t.Fatalf("stderr sink missed the record: %q", stderr.String())
	}
	var record map[string]any
	if err := json.Unmarshal(file.Bytes(), &record); err != nil {
		t.Fatalf("file sink should be JSON: %v: %q", err, file.String())
	}
	if record["run_id"] != "pilot-001" {
		t.Fatalf("record = %v", record)
	}
}
