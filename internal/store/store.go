// Package store provides the loan/alert state surface the alert engine
// and the HTTP API read from and write back to. Backends: in-memory,
// JSON snapshot file, PostgreSQL and Redis, selected by configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

// ErrNotFound is returned for lookups of unknown loans or alerts.
var ErrNotFound = errors.New("not found")

// Store is the state surface for loans, alerts and the last published
// price. Implementations are safe for concurrent use. The core does not
// depend on ordering or persistence.
type Store interface {
	CreateLoan(ctx context.Context, loan domain.Loan) error
	GetLoan(ctx context.Context, token string) (*domain.Loan, error)
	GetAllLoans(ctx context.Context) ([]domain.Loan, error)
	// DeleteLoan removes the loan and every alert attached to it.
	DeleteLoan(ctx context.Context, token string) error

	CreatePriceAlert(ctx context.Context, alert domain.PriceAlert) error
	GetAllPriceAlerts(ctx context.Context) ([]domain.PriceAlert, error)
	DeletePriceAlert(ctx context.Context, id string) error
	MarkPriceAlertTriggered(ctx context.Context, id string, at time.Time) error

	CreateLtvAlert(ctx context.Context, alert domain.LtvAlert) error
	GetAllLtvAlerts(ctx context.Context) ([]domain.LtvAlert, error)
	DeleteLtvAlert(ctx context.Context, id string) error
	MarkLtvAlertTriggered(ctx context.Context, id string, at time.Time) error

	SetLastPrice(ctx context.Context, update domain.PriceUpdate) error
	GetLastPrice(ctx context.Context) (*domain.PriceUpdate, error)

	Close() error
}

// New builds the store backend named by the configuration.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "json":
		return NewFileStore(cfg.SnapshotPath)
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN)
	case "redis":
		return NewRedisStore(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
