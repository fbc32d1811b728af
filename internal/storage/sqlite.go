package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/layerclaw/internal/layered"
)

// SQLiteStore keeps the per-session index documents and archive blobs in a
// single embedded database. Index writes ride on SQLite's transactional
// durability; archive immutability is enforced by the primary key.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS context_index (
			session_key TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS archives (
			path TEXT PRIMARY KEY,
			transcript TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ReadIndex(sessionKey string) (*layered.IndexDocument, error) {
	var raw string
	err := s.db.QueryRow(`SELECT doc FROM context_index WHERE session_key = ?`, sessionKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var doc layered.IndexDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("[storage] corrupt index for %s, treating as empty: %v", sessionKey, err)
		return nil, nil
	}
	return &doc, nil
}

func (s *SQLiteStore) WriteIndex(sessionKey string, doc *layered.IndexDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO context_index (session_key, doc, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(session_key) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, sessionKey, string(data))
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WriteArchive(path, transcript string) error {
	_, err := s.db.Exec(`INSERT INTO archives (path, transcript) VALUES (?, ?)`, path, transcript)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return layered.ErrArchiveExists
		}
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadArchive(path string) (string, error) {
	var transcript string
	err := s.db.QueryRow(`SELECT transcript FROM archives WHERE path = ?`, path).Scan(&transcript)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	return transcript, nil
}
