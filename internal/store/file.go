package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/domain"
)

// fileSnapshot is the on-disk JSON shape.
type fileSnapshot struct {
	Loans       []domain.Loan       `json:"loans"`
	PriceAlerts []domain.PriceAlert `json:"price_alerts"`
	LtvAlerts   []domain.LtvAlert   `json:"ltv_alerts"`
}

// FileStore is the in-memory store with a JSON snapshot persisted to
// disk after every mutation. Writes go through a temp file and rename so
// a crash never leaves a torn snapshot. Triggered flags are persisted
// before the notification is sent, which keeps alert delivery
// at-most-once across restarts.
type FileStore struct {
	*MemoryStore
	path    string
	writeMu sync.Mutex
}

// NewFileStore opens (or creates) the snapshot at path and loads it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh deployment, nothing to load.
	case err != nil:
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	default:
		var snap fileSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
		}
		fs.restore(snap)
		log.Info().
			Str("path", path).
			Int("loans", len(snap.Loans)).
			Int("price_alerts", len(snap.PriceAlerts)).
			Int("ltv_alerts", len(snap.LtvAlerts)).
			Msg("Loaded loan snapshot")
	}
	return fs, nil
}

func (f *FileStore) save() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	data, err := json.MarshalIndent(f.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".loanwatch-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) CreateLoan(ctx context.Context, loan domain.Loan) error {
	if err := f.MemoryStore.CreateLoan(ctx, loan); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) DeleteLoan(ctx context.Context, token string) error {
	if err := f.MemoryStore.DeleteLoan(ctx, token); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) CreatePriceAlert(ctx context.Context, alert domain.PriceAlert) error {
	if err := f.MemoryStore.CreatePriceAlert(ctx, alert); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) DeletePriceAlert(ctx context.Context, id string) error {
	if err := f.MemoryStore.DeletePriceAlert(ctx, id); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) MarkPriceAlertTriggered(ctx context.Context, id string, at time.Time) error {
	if err := f.MemoryStore.MarkPriceAlertTriggered(ctx, id, at); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) CreateLtvAlert(ctx context.Context, alert domain.LtvAlert) error {
	if err := f.MemoryStore.CreateLtvAlert(ctx, alert); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) DeleteLtvAlert(ctx context.Context, id string) error {
	if err := f.MemoryStore.DeleteLtvAlert(ctx, id); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) MarkLtvAlertTriggered(ctx context.Context, id string, at time.Time) error {
	if err := f.MemoryStore.MarkLtvAlertTriggered(ctx, id, at); err != nil {
		return err
	}
	return f.save()
}
