package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestJournalAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)

	entry := JournalEntry{
		Timestamp: time.Date(2026, 3, 14, 22, 15, 0, 0, time.Local),
		Kind:      "emergency",
		Text:      "Session started by voice trigger.",
	}

	if err := j.Append(entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(dir, "2026-03-14.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "[emergency]") {
		t.Errorf("expected kind tag in content, got: %s", content)
	}
	if !strings.Contains(content, "Session started by voice trigger.") {
		t.Errorf("expected entry text in content, got: %s", content)
	}
	if !strings.Contains(content, "22:15:00") {
		t.Errorf("expected timestamp in content, got: %s", content)
	}
}

func TestJournalMultipleAppends(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)
	ts := time.Date(2026, 3, 14, 22, 15, 0, 0, time.Local)

	_ = j.Append(JournalEntry{Timestamp: ts, Kind: "emergency", Text: "First."})
	_ = j.Append(JournalEntry{Timestamp: ts, Kind: "alert", Text: "Second."})

	path := filepath.Join(dir, "2026-03-14.md")
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	if len(lines) < 2 {
		t.Fatalf("expected at least 2 lines, got %d", len(lines))
	}
}

func TestJournalStampsZeroTimestamp(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)

	if err := j.Append(JournalEntry{Kind: "alert", Text: "No timestamp."}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if _, err := os.Stat(j.CurrentPath()); err != nil {
		t.Fatalf("expected today's journal file: %v", err)
	}
}
