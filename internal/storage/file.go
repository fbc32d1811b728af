package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/layerclaw/internal/layered"
)

// FileStore keeps one JSON index document per session under <root>/index and
// immutable archive blobs under <root>/archive. Index writes go through a
// temp file plus rename so readers never observe a partial document.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("file store root is empty")
	}
	for _, dir := range []string{filepath.Join(root, "index"), filepath.Join(root, "archive")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) ReadIndex(sessionKey string) (*layered.IndexDocument, error) {
	data, err := os.ReadFile(s.indexPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var doc layered.IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		// A corrupt document is treated as an empty index so one bad write
		// cannot wedge the session.
		log.Printf("[storage] corrupt index for %s, treating as empty: %v", sessionKey, err)
		return nil, nil
	}
	return &doc, nil
}

func (s *FileStore) WriteIndex(sessionKey string, doc *layered.IndexDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	target := s.indexPath(sessionKey)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

func (s *FileStore) WriteArchive(path, transcript string) error {
	target, err := s.archivePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	// O_EXCL enforces write-once.
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return layered.ErrArchiveExists
		}
		return fmt.Errorf("create archive: %w", err)
	}

	if _, err := f.WriteString(transcript); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func (s *FileStore) ReadArchive(path string) (string, error) {
	target, err := s.archivePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read archive: %w", err)
	}
	return string(data), nil
}

func (s *FileStore) indexPath(sessionKey string) string {
	return filepath.Join(s.root, "index", layered.KeyHash(sessionKey)+".json")
}

func (s *FileStore) archivePath(rel string) (string, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid archive path %q", rel)
	}
	return filepath.Join(s.root, "archive", rel), nil
}
