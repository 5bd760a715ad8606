package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterKeepsBoundedBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 0; i < 6; i++ {
		if _, err := w.Write([]byte("0123456789abc\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d: %v", len(backups), backups)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("active file missing: %v", err)
	}
}

func TestInitWritesAuditToFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "events.log")

	if err := Init(Config{Level: "debug", Format: "text", OutputPaths: []string{filepath.Join(dir, "app.log")}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Audit().Info("session created", "session_id", "s-1")
	Named("agent").Debug("loop started")

	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	content, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(content), "s-1") {
		t.Fatalf("audit record missing: %s", content)
	}
	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "component=agent") {
		t.Fatalf("component attribute missing: %s", app)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"abc":            "****",
		"eyJhbGciOi.xyz": "****.xyz",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
