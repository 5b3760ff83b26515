package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"content-curator/internal/models"
)

// Ledger remembers which videos have reached a terminal outcome. Mark
// persists before returning and is a no-op for ids already present.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
	Records(ctx context.Context) ([]models.ProcessingRecord, error)
}

// FileLedger keeps the ledger as a JSON array on disk.
type FileLedger struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records []models.ProcessingRecord
	ids     map[string]struct{}
}

// OpenFileLedger reads path, treating a missing file as an empty ledger.
func OpenFileLedger(path string) (*FileLedger, error) {
	l := &FileLedger{
		path: path,
		now:  time.Now,
		ids:  make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}

	var records []models.ProcessingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	for _, rec := range records {
		if _, dup := l.ids[rec.ID]; dup {
			continue
		}
		l.ids[rec.ID] = struct{}{}
		l.records = append(l.records, rec)
	}
	return l, nil
}

func (l *FileLedger) Has(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok, nil
}

func (l *FileLedger) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[id]; ok {
		return nil
	}
	rec := models.ProcessingRecord{ID: id, ProcessedAt: l.now().UTC()}
	records := append(l.records, rec)
	if err := l.flush(records); err != nil {
		return err
	}
	l.records = records
	l.ids[id] = struct{}{}
	return nil
}

func (l *FileLedger) Records(_ context.Context) ([]models.ProcessingRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ProcessingRecord(nil), l.records...), nil
}

func (l *FileLedger) flush(records []models.ProcessingRecord) error {
	if records == nil {
		records = []models.ProcessingRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}
