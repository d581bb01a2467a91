package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	NotePending   = "pending"
	NoteRunning   = "running"
	NoteCompleted = "completed"
	NoteFailed    = "failed"
)

const (
	EmergencyActive    = "active"
	EmergencyDismissed = "dismissed"
)

// Emergency is one activation-to-dismissal lifecycle as persisted locally.
type Emergency struct {
	ID               string     `json:"id"`
	TriggerType      string     `json:"trigger_type"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	DismissedAt      *time.Time `json:"dismissed_at,omitempty"`
	Status           string     `json:"status"`
	AudioPath        string     `json:"audio_path"`
	ContactsNotified int        `json:"contacts_notified"`
	NearbyNotified   int        `json:"nearby_notified"`
	Note             string     `json:"note"`
	NoteStatus       string     `json:"note_status"`
}

// Notification is a persisted entry in the notification list.
type Notification struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	SourceUserID   string    `json:"source_user_id,omitempty"`
	SourceUserName string    `json:"source_user_name,omitempty"`
	TriggerType    string    `json:"trigger_type,omitempty"`
	ContactPhone   string    `json:"contact_phone,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "safeguard.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS emergencies (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			triggered_at TEXT NOT NULL,
			dismissed_at TEXT,
			status TEXT NOT NULL,
			audio_path TEXT NOT NULL DEFAULT '',
			contacts_notified INTEGER NOT NULL DEFAULT 0,
			nearby_notified INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			note_status TEXT NOT NULL DEFAULT 'pending'
		);
	`); err != nil {
		return fmt.Errorf("create emergencies table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			source_user_id TEXT NOT NULL DEFAULT '',
			source_user_name TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL DEFAULT '',
			contact_phone TEXT NOT NULL DEFAULT '',
			latitude REAL,
			longitude REAL,
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create notifications table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS note_requests (
			session_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create note_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_emergencies_triggered_at ON emergencies(triggered_at)"); err != nil {
		return fmt.Errorf("create emergencies index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_notifications_created_at ON notifications(created_at)"); err != nil {
		return fmt.Errorf("create notifications index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateEmergency(e Emergency) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("emergency id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO emergencies(id, trigger_type, triggered_at, status, contacts_notified, nearby_notified, note_status)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.TriggerType,
		e.TriggeredAt.UTC().Format(time.RFC3339Nano),
		EmergencyActive,
		e.ContactsNotified,
		e.NearbyNotified,
		NotePending,
	)
	if err != nil {
		return fmt.Errorf("create emergency %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DismissEmergency(id string, dismissedAt time.Time, audioPath string) error {
	res, err := s.db.Exec(
		`UPDATE emergencies SET dismissed_at = ?, status = ?, audio_path = ? WHERE id = ?`,
		dismissedAt.UTC().Format(time.RFC3339Nano),
		EmergencyDismissed,
		audioPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("dismiss emergency %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dismiss emergency rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetEmergency(id string) (Emergency, error) {
	row := s.db.QueryRow(
		`SELECT id, trigger_type, triggered_at, dismissed_at, status, audio_path, contacts_notified, nearby_notified, note, note_status
		 FROM emergencies WHERE id = ?`,
		id,
	)
	return scanEmergency(row.Scan)
}

func (s *SQLiteStore) GetEmergenciesByDate(date string) ([]Emergency, error) {
	rows, err := s.db.Query(
		`SELECT id, trigger_type, triggered_at, dismissed_at, status, audio_path, contacts_notified, nearby_notified, note, note_status
		 FROM emergencies
		 WHERE substr(triggered_at, 1, 10) = ?
		 ORDER BY triggered_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query emergencies by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	list := make([]Emergency, 0, 16)
	for rows.Next() {
		e, err := scanEmergency(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emergency rows: %w", err)
	}

	return list, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(triggered_at, 1, 10) AS date FROM emergencies ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) UpdateNote(id, note, status string) error {
	res, err := s.db.Exec(
		`UPDATE emergencies SET note = ?, note_status = ? WHERE id = ?`,
		note,
		status,
		id,
	)
	if err != nil {
		return fmt.Errorf("update note for emergency %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update note rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (s *SQLiteStore) ClaimNoteRequest(sessionID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO note_requests(session_id, prompt_hash) VALUES(?, ?)`,
		sessionID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim note request for emergency %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim note rows affected: %w", err)
	}

	return rows > 0, nil
}

func (s *SQLiteStore) AddNotification(n Notification) error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("notification id is required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO notifications(id, kind, title, message, source_user_id, source_user_name, trigger_type, contact_phone, latitude, longitude, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		n.Kind,
		n.Title,
		n.Message,
		n.SourceUserID,
		n.SourceUserName,
		n.TriggerType,
		n.ContactPhone,
		n.Latitude,
		n.Longitude,
		n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetNotifications(limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, kind, title, message, source_user_id, source_user_name, trigger_type, contact_phone, latitude, longitude, created_at
		 FROM notifications
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	list := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		var lat, lng sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Kind, &n.Title, &n.Message, &n.SourceUserID, &n.SourceUserName, &n.TriggerType, &n.ContactPhone, &lat, &lng, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}

		if lat.Valid {
			v := lat.Float64
			n.Latitude = &v
		}
		if lng.Valid {
			v := lng.Float64
			n.Longitude = &v
		}

		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse notification created_at: %w", err)
		}
		n.CreatedAt = parsed

		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}

	return list, nil
}

func scanEmergency(scan func(dest ...any) error) (Emergency, error) {
	var e Emergency
	var triggeredAt string
	var dismissedAt sql.NullString
	if err := scan(&e.ID, &e.TriggerType, &triggeredAt, &dismissedAt, &e.Status, &e.AudioPath, &e.ContactsNotified, &e.NearbyNotified, &e.Note, &e.NoteStatus); err != nil {
		return Emergency{}, fmt.Errorf("scan emergency: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, triggeredAt)
	if err != nil {
		return Emergency{}, fmt.Errorf("parse triggered_at: %w", err)
	}
	e.TriggeredAt = parsed

	if dismissedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, dismissedAt.String)
		if err != nil {
			return Emergency{}, fmt.Errorf("parse dismissed_at: %w", err)
		}
		e.DismissedAt = &parsedEnd
	}

	return e, nil
}
