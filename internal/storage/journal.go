package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalEntry is one line in the daily safety journal.
type JournalEntry struct {
	Timestamp time.Time
	Kind      string
	Text      string
}

func (e JournalEntry) FormatMarkdown() string {
	text := strings.TrimSpace(e.Text)
	return fmt.Sprintf("- **%s** [%s] %s", e.Timestamp.Format("15:04:05"), e.Kind, text)
}

// Journal appends safety events to one markdown file per day.
type Journal struct {
	dir string
	mu  sync.Mutex
}

func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

func (j *Journal) Append(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	date := entry.Timestamp.Format("2006-01-02")
	path := filepath.Join(j.dir, date+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, entry.FormatMarkdown()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (j *Journal) CurrentPath() string {
	date := time.Now().Format("2006-01-02")
	return filepath.Join(j.dir, date+".md")
}
