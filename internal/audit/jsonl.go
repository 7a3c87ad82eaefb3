package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// JSONLRecorder appends ledger updates as JSON lines.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Write appends one update and syncs it to disk.
func (r *JSONLRecorder) Write(_ context.Context, update signal.LedgerUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errors.New("jsonl recorder closed")
	}
	if err := r.enc.Encode(update); err != nil {
		return fmt.Errorf("encode ledger update: %w", err)
	}
	return r.file.Sync()
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReadJSONL loads every update recorded at path.
func ReadJSONL(path string) ([]signal.LedgerUpdate, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []signal.LedgerUpdate
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		var u signal.LedgerUpdate
		if err := json.Unmarshal(scanner.Bytes(), &u); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, u)
	}
	return out, scanner.Err()
}
