// Package audit keeps an append-only, tamper-evident trail of every
// state-changing operation: commits, duplicate resolutions and
// checkouts. Entries are newline-delimited JSON with a per-entry
// SHA-256, written to time-segmented files that are never rewritten.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/claimlens/benchvault/internal/api"
)

// Event names recorded in the trail.
const (
	EventRunCommitted      = "run_committed"
	EventDuplicateNoop     = "duplicate_noop"
	EventDuplicateConflict = "duplicate_conflict"
	EventCheckout          = "checkout"
)

// Entry is a single immutable audit record.
type Entry struct {
	Timestamp       time.Time            `json:"timestamp"`
	Event           string               `json:"event"`
	TransactionID   string               `json:"transaction_id,omitempty"`
	RunID           string               `json:"run_id,omitempty"`
	ModelVersion    string               `json:"model_version"`
	DatasetVersion  string               `json:"dataset_version"`
	Environment     string               `json:"environment"`
	SnapshotVersion int                  `json:"snapshot_version,omitempty"`
	TargetVersion   int                  `json:"target_version,omitempty"`
	TriggeredBy     string               `json:"triggered_by,omitempty"`
	PolicyHash      string               `json:"policy_hash,omitempty"`
	Alert           *api.RegressionAlert `json:"regression_alert,omitempty"`
	EntryHash       string               `json:"entry_hash"` // SHA-256 of the entry without this field
}

// Trail is the append-only audit log.
type Trail struct {
	mu             sync.Mutex
	baseDir        string
	currentFile    *os.File
	writer         *bufio.Writer
	segmentStart   time.Time
	segmentSize    int64
	maxSegmentSize int64
	entries        int64
}

// NewTrail opens an audit trail rooted at baseDir, starting a fresh
// segment.
func NewTrail(baseDir string) (*Trail, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	t := &Trail{
		baseDir:        baseDir,
		maxSegmentSize: 100 * 1024 * 1024, // 100MB segments
	}

	if err := t.rotateSegment(); err != nil {
		return nil, fmt.Errorf("failed to open initial segment: %w", err)
	}

	return t, nil
}

// Append writes one entry, stamping the timestamp and entry hash.
// The write is flushed and fsynced before returning.
func (t *Trail) Append(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.EntryHash = ""

	entryJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	hash := sha256.Sum256(entryJSON)
	e.EntryHash = hex.EncodeToString(hash[:])

	finalJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal final audit entry: %w", err)
	}

	if _, err := t.writer.Write(finalJSON); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	if _, err := t.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	if err := t.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync audit log: %w", err)
	}

	t.segmentSize += int64(len(finalJSON) + 1)
	t.entries++

	if t.segmentSize >= t.maxSegmentSize {
		if err := t.rotateSegment(); err != nil {
			return fmt.Errorf("failed to rotate audit segment: %w", err)
		}
	}

	return nil
}

// rotateSegment closes the current segment and starts a new
// time-named one.
func (t *Trail) rotateSegment() error {
	if t.writer != nil {
		if err := t.writer.Flush(); err != nil {
			return err
		}
	}
	if t.currentFile != nil {
		if err := t.currentFile.Close(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	segmentDir := filepath.Join(t.baseDir, now.Format("2006/01/02"))
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}

	segmentName := fmt.Sprintf("%s-%d.jsonl", now.Format("150405"), os.Getpid())
	segmentPath := filepath.Join(segmentDir, segmentName)

	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}

	t.currentFile = file
	t.writer = bufio.NewWriter(file)
	t.segmentStart = now
	t.segmentSize = 0

	return nil
}

// Close flushes and closes the trail.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writer != nil {
		if err := t.writer.Flush(); err != nil {
			return err
		}
	}
	if t.currentFile != nil {
		return t.currentFile.Close()
	}
	return nil
}

// Stats reports entry count, size and start time of the open segment.
func (t *Trail) Stats() (entries int64, segmentSize int64, segmentStart time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries, t.segmentSize, t.segmentStart
}

// ReadSegment parses all entries from one segment file.
func ReadSegment(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to parse entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// VerifySegment recomputes every entry hash in a segment and reports
// the first mismatch. A nil error means the segment is intact.
func VerifySegment(path string) error {
	entries, err := ReadSegment(path)
	if err != nil {
		return err
	}

	for i, e := range entries {
		want := e.EntryHash
		e.EntryHash = ""
		entryJSON, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		hash := sha256.Sum256(entryJSON)
		if got := hex.EncodeToString(hash[:]); got != want {
			return fmt.Errorf("entry %d: hash mismatch (stored %s, computed %s)", i, want, got)
		}
	}
	return nil
}
