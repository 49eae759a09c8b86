package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

func TestRenderService(t *testing.T) {
	out := renderService(systemdTemplate, map[string]string{"EXEC": "/usr/bin/teleton", "CONFIG": "/etc/teleton.yaml"})
	if !strings.Contains(out, "ExecStart=/usr/bin/teleton start --config /etc/teleton.yaml") {
		t.Fatalf("unexpected unit:\n%s", out)
	}
	if strings.Contains(out, "{{") {
		t.Fatalf("unrendered placeholder:\n%s", out)
	}
}

func TestServicePath(t *testing.T) {
	p, err := servicePath("/home/u", "linux")
	if err != nil || p != "/home/u/.config/systemd/user/teleton.service" {
		t.Fatalf("linux path %q err=%v", p, err)
	}
	if _, err := servicePath("/home/u", "plan9"); err == nil {
		t.Fatal("expected error for unsupported OS")
	}
}

func TestSetupLogger_FileAndLevel(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "teleton.log")

	closeLog, err := setupLogger(config.GeneralConfig{LogLevel: "warn", LogFormat: "json", LogFile: logFile})
	if err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("visible", "k", 1)
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatal("info line should be filtered at warn level")
	}
	if !strings.Contains(string(data), `"msg":"visible"`) {
		t.Fatalf("expected json warn line, got %q", data)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{512: "512 B", 2048: "2.0 KB", 3 << 20: "3.0 MB"}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteOffsetTable_ShowsTitles(t *testing.T) {
	records := []domain.OffsetRecord{{ChatID: -100, MessageID: 42}, {ChatID: 7, MessageID: 3}}
	titles := map[int64]string{-100: "Builders"}

	var buf bytes.Buffer
	if err := writeOffsetTable(&buf, records, func(id int64) string { return titles[id] }); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows:\n%s", buf.String())
	}
	if !strings.Contains(lines[0], "TITLE") {
		t.Errorf("header missing TITLE: %q", lines[0])
	}
	if f := strings.Fields(lines[1]); f[0] != "-100" || f[1] != "Builders" || f[2] != "42" {
		t.Errorf("unexpected row %q", lines[1])
	}
	if f := strings.Fields(lines[2]); f[0] != "7" || f[1] != "-" {
		t.Errorf("unknown chat should show '-': %q", lines[2])
	}
}
