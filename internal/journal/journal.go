// Package journal provides write-ahead logging for incoming run
// submissions. A submission body is journaled before any processing,
// so a crash between acceptance and durable commit can be recovered by
// replaying the journal against the idempotent upsert path.
package journal

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal is a fsync-on-append daily log of raw submission bodies.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry is a single journaled submission.
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// New creates or opens today's journal file under dirPath.
func New(dirPath string) (*Journal, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("runs-%s.journal", time.Now().Format("20060102")))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file: file,
		path: path,
	}, nil
}

// Append writes a submission body with fsync. Bodies are base64
// encoded so JSON payloads with newlines stay one line per entry.
func (j *Journal) Append(body []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line := fmt.Sprintf("%s|%d|%s\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		len(body),
		base64.StdEncoding.EncodeToString(body))

	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// Durability contract: the entry survives a crash once Append
	// returns.
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// Path returns the current journal file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads all well-formed entries from a journal file. Malformed
// or truncated lines (a crash mid-write) are skipped.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "|", 3)
		if len(parts) != 3 {
			continue
		}

		timestamp, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}
		length, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		body, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil || len(body) != length {
			continue
		}

		entries = append(entries, Entry{
			Timestamp: timestamp,
			Body:      body,
		})
	}

	return entries, scanner.Err()
}

// Rotate closes the current journal and opens a new daily file,
// returning the new journal and the closed file's path.
func Rotate(dirPath string, current *Journal) (*Journal, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current journal: %w", err)
	}

	next, err := New(dirPath)
	if err != nil {
		return nil, "", err
	}

	return next, oldPath, nil
}
