// Package audit implements the append-only audit log: one durable
// entry per authorization decision and per destructive action,
// rejections included. The log is a JSONL file so it stays greppable
// by external tooling; it is the system's ground truth across operator
// sessions.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is the decision point an entry records.
type Action string

const (
	StopRequested   Action = "STOP_REQUESTED"
	StopRejected    Action = "STOP_REJECTED"
	StopConfirmed   Action = "STOP_CONFIRMED"
	StopExecuted    Action = "STOP_EXECUTED"
	StopFailed      Action = "STOP_FAILED"
	DestroyExecuted Action = "DESTROY_EXECUTED"
)

// Entry is one audit record. ID and Time are filled by Append.
type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Action   Action    `json:"action"`
	Provider string    `json:"provider"`
	Target   string    `json:"target"`
	Details  string    `json:"details"`
	Result   string    `json:"result"`
}

// Log is an append-only JSONL audit log. Concurrent appends are safe:
// writes are serialized by a mutex and the file is opened O_APPEND.
type Log struct {
	path string

	mu   sync.Mutex
	last time.Time
}

// Open creates (if needed) and opens the audit log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	// Touch the file so queries on a fresh install do not error.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing audit log %s: %w", path, err)
	}
	return &Log{path: path}, nil
}

// Append writes one entry and returns it with ID and Time filled.
// Timestamps are monotonic non-decreasing even if the wall clock steps
// backwards between appends.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.NewString()
	e.Time = time.Now().UTC()
	if !e.Time.After(l.last) {
		e.Time = l.last.Add(time.Microsecond)
	}
	l.last = e.Time

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding audit entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("appending audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("syncing audit log: %w", err)
	}

	return e, nil
}

// Tail returns the last n entries in append order. n <= 0 returns all.
func (l *Log) Tail(n int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Search returns entries whose JSON line contains term,
// case-insensitively, in append order.
func (l *Log) Search(term string) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	term = strings.ToLower(term)
	var matched []Entry
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(line)), term) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (l *Log) readAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A corrupt line must not hide the rest of the history.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log %s: %w", l.path, err)
	}

	return entries, nil
}
