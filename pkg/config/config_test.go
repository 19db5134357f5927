package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.Timeouts.SpawnTimeout != 30*time.Second {
		t.Errorf("unexpected spawn timeout %s", cfg.Timeouts.SpawnTimeout)
	}
	if cfg.Notify.MaxAttempts != 5 {
		t.Errorf("unexpected retry ceiling %d", cfg.Notify.MaxAttempts)
	}
	if cfg.Database.Path == "" {
		t.Error("expected a default database path")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
ocloud_id: ocloud-test
name: test-cloud
database:
  path: /tmp/test.db
timeouts:
  spawn_timeout: 5s
notify:
  max_attempts: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.OCloudID != "ocloud-test" {
		t.Errorf("unexpected ocloud id %s", cfg.OCloudID)
	}
	if cfg.Timeouts.SpawnTimeout != 5*time.Second {
		t.Errorf("override not applied: %s", cfg.Timeouts.SpawnTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Timeouts.GracePeriod != 10*time.Second {
		t.Errorf("default lost: %s", cfg.Timeouts.GracePeriod)
	}
	if cfg.Notify.MaxAttempts != 2 {
		t.Errorf("override not applied: %d", cfg.Notify.MaxAttempts)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `
ocloud_id: ""
name: test-cloud
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation failure for empty ocloud_id")
	}

	path = writeFile(t, "bad.yaml", `
timeouts:
  spawn_timeout: -5s
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation failure for negative timeout")
	}
}

func TestLoadRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
thresholds:
  - id: cpu-high
    metric: cpu_usage
    operator: gt
    clear: 70
    grades:
      - bound: 95
        severity: CRITICAL
      - bound: 85
        severity: MAJOR
  - id: mem-low
    target_id: dep-1
    metric: memory_usage
    operator: ge
    grades:
      - bound: 1024
        severity: WARNING
`)

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Criteria.Operator != core.CompareGreater {
		t.Errorf("unexpected operator %s", rules[0].Criteria.Operator)
	}
	if rules[0].Criteria.Clear == nil || *rules[0].Criteria.Clear != 70 {
		t.Errorf("clear bound not parsed: %v", rules[0].Criteria.Clear)
	}
	if len(rules[0].Criteria.Grades) != 2 || rules[0].Criteria.Grades[0].Severity != core.SeverityCritical {
		t.Errorf("grades not parsed: %+v", rules[0].Criteria.Grades)
	}
	if rules[1].TargetID != "dep-1" {
		t.Errorf("target not parsed: %s", rules[1].TargetID)
	}
}

func TestLoadRulesRejectsUnknownOperator(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
thresholds:
  - id: bad
    metric: cpu_usage
    operator: between
    grades:
      - bound: 95
        severity: CRITICAL
`)
	if _, err := LoadRules(path); !core.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRulesWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	initial := `
thresholds:
  - id: cpu-high
    metric: cpu_usage
    operator: gt
    grades:
      - bound: 95
        severity: CRITICAL
`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "json", Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	reloaded := make(chan []*core.Threshold, 1)
	watcher, err := NewRulesWatcher(path, logger, func(rules []*core.Threshold) {
		reloaded <- rules
	})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()

	updated := initial + `
  - id: mem-high
    metric: memory_usage
    operator: gt
    grades:
      - bound: 2048
        severity: MAJOR
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("failed to rewrite rules: %v", err)
	}

	select {
	case rules := <-reloaded:
		if len(rules) != 2 {
			t.Errorf("expected 2 rules after reload, got %d", len(rules))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reloaded the rules file")
	}
}
