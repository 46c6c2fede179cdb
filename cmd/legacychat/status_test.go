package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/pkg/config"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{input: 0, want: "0 B"},
		{input: 1023, want: "1023 B"},
		{input: 1024, want: "1.0 KiB"},
		{input: 1536, want: "1.5 KiB"},
		{input: 1048576, want: "1.0 MiB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Fatalf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(""); got != "n/a" {
		t.Fatalf("formatTimestamp(empty) = %q, want %q", got, "n/a")
	}

	const ts = "2026-02-18T10:00:00.000000000Z"
	if got := formatTimestamp(ts); got != ts {
		t.Fatalf("formatTimestamp(value) = %q, want %q", got, ts)
	}
}

func TestDirUsage(t *testing.T) {
	root := t.TempDir()

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "cake.png"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file1: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "venue.jpg"), []byte("go"), 0o644); err != nil {
		t.Fatalf("write file2: %v", err)
	}

	bytes, files, err := dirUsage(root)
	if err != nil {
		t.Fatalf("dirUsage returned error: %v", err)
	}
	if files != 2 {
		t.Fatalf("dirUsage files = %d, want 2", files)
	}
	if bytes != 7 {
		t.Fatalf("dirUsage bytes = %d, want 7", bytes)
	}
}

func TestParseStatusArgs(t *testing.T) {
	opts, err := parseStatusArgs([]string{"--json"})
	if err != nil {
		t.Fatalf("parseStatusArgs returned error: %v", err)
	}
	if !opts.JSON {
		t.Fatalf("parseStatusArgs JSON = false, want true")
	}

	if _, err := parseStatusArgs([]string{"--bad"}); err == nil {
		t.Fatalf("parseStatusArgs expected error for unknown flag")
	}
}

func TestPrintStatusJSON(t *testing.T) {
	status := appStatus{
		GeneratedAt:     time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC),
		Environment:     "development",
		Port:            "3000",
		DatabasePath:    "/tmp/legacychat.db",
		FileStoragePath: "/tmp/uploads",
		Users:           3,
		ImageMessages:   1,
	}

	var out bytes.Buffer
	if err := printStatusJSON(&out, status); err != nil {
		t.Fatalf("printStatusJSON returned error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if payload["environment"] != "development" {
		t.Fatalf("unexpected environment: %#v", payload["environment"])
	}
}

func TestCollectStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Environment:     "development",
		Port:            "3000",
		DatabasePath:    filepath.Join(dir, "legacychat.db"),
		FileStoragePath: filepath.Join(dir, "uploads"),
	}
	if err := os.MkdirAll(cfg.FileStoragePath, 0o755); err != nil {
		t.Fatalf("mkdir uploads: %v", err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	for _, m := range []db.Message{
		{ClientMsgID: "c1", SenderID: "planner", ReceiverID: "venue", Content: "is june free?"},
		{ClientMsgID: "c2", SenderID: "venue", ReceiverID: "planner", Content: "https://cdn/hall.png", ContentType: "image"},
		{ClientMsgID: "c3", SenderID: "planner", ReceiverID: "florist", Content: "peonies please"},
	} {
		if _, err := database.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	status := collectStatus(cfg, time.Now())
	if !status.DBMetricsReady {
		t.Fatalf("expected metrics, got warning %q", status.DBWarning)
	}
	if status.Users != 3 || status.Messages != 3 || status.Conversations != 2 {
		t.Fatalf("unexpected counts: users=%d messages=%d conversations=%d", status.Users, status.Messages, status.Conversations)
	}
	if status.ImageMessages != 1 || status.UnreadNotifications != 3 || status.MessagesLast24h != 3 {
		t.Fatalf("unexpected counts: images=%d unread=%d last24h=%d", status.ImageMessages, status.UnreadNotifications, status.MessagesLast24h)
	}
	if status.LatestMessageAt == "" {
		t.Fatalf("expected latest message timestamp")
	}

	var out bytes.Buffer
	printStatus(&out, status)
	if !strings.Contains(out.String(), "Legacy Chat Server Status") {
		t.Fatalf("unexpected status output:\n%s", out.String())
	}
}

func TestCollectStatusMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DatabasePath:    filepath.Join(dir, "missing.db"),
		FileStoragePath: filepath.Join(dir, "uploads"),
	}

	status := collectStatus(cfg, time.Now())
	if status.DBMetricsReady {
		t.Fatalf("expected metrics to be unavailable")
	}
	if status.DBWarning == "" || len(status.StorageWarnings) != 2 {
		t.Fatalf("expected warnings, got %q and %v", status.DBWarning, status.StorageWarnings)
	}
}

func TestRunCommandToken(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	var out bytes.Buffer
	if err := runCommand(cfg, &out, []string{"token", "planner", "June", "Wedding"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Fatalf("expected a JWT, got %q", out.String())
	}

	if err := runCommand(cfg, &out, []string{"token"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if err := runCommand(cfg, &out, []string{"bogus"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestStatusPrintersShareFields(t *testing.T) {
	status := appStatus{
		DBMetricsReady: true,
		Users:          4,
		UploadedBytes:  2048,
		DBSize:         1024,
		DBWALSize:      1024,
		DBWarning:      "stale snapshot",
	}

	var text bytes.Buffer
	printStatus(&text, status)
	for _, want := range []string{"Users", "2.0 KiB", "DB footprint", "Warning: stale snapshot"} {
		if !strings.Contains(text.String(), want) {
			t.Fatalf("text output missing %q:\n%s", want, text.String())
		}
	}

	var raw bytes.Buffer
	if err := printStatusJSON(&raw, status); err != nil {
		t.Fatalf("printStatusJSON returned error: %v", err)
	}
	var payload struct {
		Metrics map[string]any `json:"metrics"`
		Storage map[string]any `json:"storage"`
	}
	if err := json.Unmarshal(raw.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if payload.Metrics["users"] != float64(4) || payload.Metrics["uploaded_bytes_human"] != "2.0 KiB" {
		t.Fatalf("unexpected metrics: %v", payload.Metrics)
	}
	if payload.Storage["db_footprint_bytes"] != float64(2048) {
		t.Fatalf("unexpected storage: %v", payload.Storage)
	}
}
