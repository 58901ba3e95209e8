// Package tasklog implements the optional JSONL sink of accepted tasks,
// adapted from the teacher's AuditLogger: an append-only file with
// size-based rotation and a bounded number of retained backups.
package tasklog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one accepted-task record written to the sink.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"job_id"`
	Task      string          `json:"task"`
	Payload   json.RawMessage `json:"payload"`
}

// Sink appends Entry records as JSONL, rotating the file once it exceeds
// maxSize bytes and retaining at most maxBackups rotated files.
type Sink struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64
	maxBackups  int
	currentSize int64
}

// Open creates or appends to the sink file at path.
func Open(path string, maxSize int64, maxBackups int) (*Sink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tasklog: mkdir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tasklog: open: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("tasklog: stat: %w", err)
	}

	return &Sink{
		file:        file,
		path:        path,
		maxSize:     maxSize,
		maxBackups:  maxBackups,
		currentSize: stat.Size(),
	}, nil
}

// Log appends entry as a single JSON line, rotating first if needed.
func (s *Sink) Log(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tasklog: marshal: %w", err)
	}
	data = append(data, '\n')

	if s.maxSize > 0 && s.currentSize+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("tasklog: rotate: %w", err)
		}
	}

	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("tasklog: write: %w", err)
	}
	s.currentSize += int64(n)
	return nil
}

func (s *Sink) rotate() error {
	s.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	backupPath := fmt.Sprintf("%s.%s", s.path, timestamp)
	if err := os.Rename(s.path, backupPath); err != nil {
		return err
	}
	s.cleanupBackups()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = file
	s.currentSize = 0
	return nil
}

func (s *Sink) cleanupBackups() {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil || len(matches) <= s.maxBackups {
		return
	}

	sort.Slice(matches, func(i, j int) bool {
		si, erri := os.Stat(matches[i])
		sj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return false
		}
		return si.ModTime().Before(sj.ModTime())
	})

	toRemove := len(matches) - s.maxBackups
	for i := 0; i < toRemove; i++ {
		os.Remove(matches[i])
	}
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
