// Package auditlog appends audit events to a persistent JSONL file. The file
// is a write-only sink: nothing in the server ever reads it back.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/selvabharathi807/Neon-Mindz/app/models"
)

// Writer serializes one JSON object per line to an append-only file.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

func New(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Writer{f: f}, nil
}

// Append writes one event as a JSON line.
func (w *Writer) Append(evt models.SystemEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
