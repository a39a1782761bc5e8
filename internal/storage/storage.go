// Package storage provides the durable file layer under the chat session
// store: JSON documents for session metadata and append-only JSONL logs for
// message history.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Storage is a file-based store rooted at basePath. Documents are addressed
// by path segments; {base}/{a}/{b}.json for Put/Get, {base}/{a}/{b}.jsonl
// for Append/ReadLog.
type Storage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*FileLock
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) docPath(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) logPath(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".jsonl"
}

func (s *Storage) dirPath(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get reads one JSON document into v.
func (s *Storage) Get(path []string, v any) error {
	data, err := os.ReadFile(s.docPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}

// Put writes one JSON document atomically (temp file + rename) under a
// per-document flock.
func (s *Storage) Put(path []string, v any) error {
	filePath := s.docPath(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Append durably appends one JSON line to the log at path. Each call is a
// single write syscall on an O_APPEND descriptor.
func (s *Storage) Append(path []string, v any) error {
	filePath := s.logPath(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return f.Sync()
}

// ReadLog replays the log at path, invoking fn for each line in append
// order. Corrupt trailing lines (a crash mid-append) are skipped.
func (s *Storage) ReadLog(path []string, fn func(data json.RawMessage) error) error {
	f, err := os.Open(s.logPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		if err := fn(json.RawMessage(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Delete removes the document, its log, or the whole subtree at path.
func (s *Storage) Delete(path []string) error {
	for _, p := range []string{s.docPath(path), s.logPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	// Drop any nested entries (e.g. a session directory).
	if err := os.RemoveAll(s.dirPath(path)); err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	return nil
}

// List returns the document keys directly under a path.
func (s *Storage) List(path []string) ([]string, error) {
	entries, err := os.ReadDir(s.dirPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	// A key can appear as both a document and a log directory; report it once.
	seen := make(map[string]bool)
	var keys []string
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			add(name)
		case strings.HasSuffix(name, ".json"):
			add(strings.TrimSuffix(name, ".json"))
		}
	}
	return keys, nil
}

// Exists reports whether a document exists at path.
func (s *Storage) Exists(path []string) bool {
	_, err := os.Stat(s.docPath(path))
	return err == nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
