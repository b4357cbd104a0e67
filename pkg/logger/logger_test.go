package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFileAndAudit(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(Discard)

	Named("pipeline").Debug("stage finished", slog.String("stage", "bls"))
	Audit().Info("target processed", slog.Int64("tic", 261155555))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(raw), `"component":"pipeline"`) {
		t.Fatalf("component attribute missing: %s", raw)
	}

	audit, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), "261155555") {
		t.Fatalf("audit entry missing: %s", audit)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
