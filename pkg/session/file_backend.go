package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileBackend stores transcripts as JSONL files, one per session.
// Storage layout:
//
//	<base>/
//	  └── <sha256(session-id)>.jsonl   # one line per appended exchange
//
// Session ids are hashed because identity subjects may contain characters
// that are not valid in file names.
// Each line holds a whole batch, so an append is visible entirely or not
// at all. A torn final line left by a crash is ignored on read.
// The backend is safe for concurrent use within one process only.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

type fileRecord struct {
	ExchangeID string `json:"exchangeId,omitempty"`
	Turns      []Turn `json:"turns"`
}

// NewFileBackend creates a file backend rooted at baseDir.
// If baseDir is empty, uses ~/.assistant/history.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".assistant", "history")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir}, nil
}

func (f *FileBackend) path(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(f.baseDir, hex.EncodeToString(sum[:])+".jsonl"), nil
}

// Get reads every complete record of the session file in order.
func (f *FileBackend) Get(ctx context.Context, sessionID string) (Transcript, error) {
	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	transcript := Transcript{}
	for _, r := range records {
		transcript = append(transcript, r.Turns...)
	}
	return transcript, nil
}

// AppendAtomic writes the batch as a single line.
func (f *FileBackend) AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error {
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	id := exchangeID(turns)
	if id != "" {
		records, err := readRecords(path)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.ExchangeID == id {
				return nil
			}
		}
	}

	now := time.Now().UTC()
	rec := fileRecord{ExchangeID: id, Turns: make([]Turn, len(turns))}
	for i, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		rec.Turns[i] = t
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := trimTornTail(path); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - file name is a hash
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return file.Sync()
}

// Clear removes the session file.
func (f *FileBackend) Clear(ctx context.Context, sessionID string) error {
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// Ping checks that the base directory is still there.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.baseDir)
	}
	return nil
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// trimTornTail drops a partial last line so the next record starts on a
// fresh line. Caller must hold the write lock.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - file name is a hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read history file: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	if err := os.Truncate(path, int64(bytes.LastIndexByte(data, '\n')+1)); err != nil {
		return fmt.Errorf("truncate torn record: %w", err)
	}
	return nil
}

// readRecords loads all records from path. Caller must hold a lock.
func readRecords(path string) ([]fileRecord, error) {
	file, err := os.Open(path) // #nosec G304 - file name is a hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var (
		records []fileRecord
		torn    bool
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if torn {
			return nil, errors.New("parse record: corrupt line before end of file")
		}
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			torn = true
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return records, nil
}
