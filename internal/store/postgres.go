package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/collateralhq/loanwatch/internal/domain"
)

const pgQueryTimeout = 5 * time.Second

const pgSchema = `
CREATE TABLE IF NOT EXISTS loans (
	token            TEXT PRIMARY KEY,
	loan_amount_usd  DOUBLE PRECISION NOT NULL,
	btc_collateral   DOUBLE PRECISION NOT NULL,
	margin_call_ltv  DOUBLE PRECISION NOT NULL,
	liquidation_ltv  DOUBLE PRECISION NOT NULL,
	interest_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
	end_date         TEXT NOT NULL DEFAULT '',
	lender           TEXT NOT NULL DEFAULT '',
	chat_id          BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS price_alerts (
	id           TEXT PRIMARY KEY,
	token        TEXT NOT NULL REFERENCES loans(token) ON DELETE CASCADE,
	threshold    DOUBLE PRECISION NOT NULL,
	direction    TEXT NOT NULL,
	triggered    BOOLEAN NOT NULL DEFAULT FALSE,
	triggered_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ltv_alerts (
	id            TEXT PRIMARY KEY,
	token         TEXT NOT NULL REFERENCES loans(token) ON DELETE CASCADE,
	ltv_threshold DOUBLE PRECISION NOT NULL,
	direction     TEXT NOT NULL,
	triggered     BOOLEAN NOT NULL DEFAULT FALSE,
	triggered_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps loans and alerts in PostgreSQL. The last published
// price is live data and stays in memory.
type PostgresStore struct {
	db *sqlx.DB

	priceMu   sync.RWMutex
	lastPrice *domain.PriceUpdate
}

// NewPostgresStore connects with the DSN and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// newPostgresStoreWithDB wraps an existing connection (used with sqlmock).
func newPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateLoan(ctx context.Context, loan domain.Loan) error {
	if err := loan.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO loans (token, loan_amount_usd, btc_collateral, margin_call_ltv,
			liquidation_ltv, interest_rate, end_date, lender, chat_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		loan.Token, loan.LoanAmountUSD, loan.BTCCollateral, loan.MarginCallLTV,
		loan.LiquidationLTV, loan.InterestRate, loan.EndDate, loan.Lender,
		loan.ChatID, loan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetLoan(ctx context.Context, token string) (*domain.Loan, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	var loan domain.Loan
	err := p.db.GetContext(ctx, &loan, `SELECT * FROM loans WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query loan: %w", err)
	}
	return &loan, nil
}

func (p *PostgresStore) GetAllLoans(ctx context.Context) ([]domain.Loan, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	loans := []domain.Loan{}
	if err := p.db.SelectContext(ctx, &loans, `SELECT * FROM loans`); err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	return loans, nil
}

func (p *PostgresStore) DeleteLoan(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM loans WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return requireRows(res)
}

func (p *PostgresStore) CreatePriceAlert(ctx context.Context, alert domain.PriceAlert) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO price_alerts (id, token, threshold, direction, triggered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.Token, alert.Threshold, alert.Direction, alert.Triggered, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert price alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAllPriceAlerts(ctx context.Context) ([]domain.PriceAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, token, threshold, direction, triggered, triggered_at, created_at
		FROM price_alerts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query price alerts: %w", err)
	}
	defer rows.Close()

	alerts := []domain.PriceAlert{}
	for rows.Next() {
		var a domain.PriceAlert
		var triggeredAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Token, &a.Threshold, &a.Direction,
			&a.Triggered, &triggeredAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price alert: %w", err)
		}
		if triggeredAt.Valid {
			a.TriggeredAt = triggeredAt.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *PostgresStore) DeletePriceAlert(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM price_alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete price alert: %w", err)
	}
	return requireRows(res)
}

func (p *PostgresStore) MarkPriceAlertTriggered(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE price_alerts SET triggered = TRUE, triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark price alert: %w", err)
	}
	return requireRows(res)
}

func (p *PostgresStore) CreateLtvAlert(ctx context.Context, alert domain.LtvAlert) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ltv_alerts (id, token, ltv_threshold, direction, triggered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.Token, alert.LtvThreshold, alert.Direction, alert.Triggered, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ltv alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAllLtvAlerts(ctx context.Context) ([]domain.LtvAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, token, ltv_threshold, direction, triggered, triggered_at, created_at
		FROM ltv_alerts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ltv alerts: %w", err)
	}
	defer rows.Close()

	alerts := []domain.LtvAlert{}
	for rows.Next() {
		var a domain.LtvAlert
		var triggeredAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Token, &a.LtvThreshold, &a.Direction,
			&a.Triggered, &triggeredAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ltv alert: %w", err)
		}
		if triggeredAt.Valid {
			a.TriggeredAt = triggeredAt.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (p *PostgresStore) DeleteLtvAlert(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM ltv_alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ltv alert: %w", err)
	}
	return requireRows(res)
}

func (p *PostgresStore) MarkLtvAlertTriggered(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE ltv_alerts SET triggered = TRUE, triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark ltv alert: %w", err)
	}
	return requireRows(res)
}

func (p *PostgresStore) SetLastPrice(_ context.Context, update domain.PriceUpdate) error {
	p.priceMu.Lock()
	defer p.priceMu.Unlock()
	p.lastPrice = &update
	return nil
}

func (p *PostgresStore) GetLastPrice(_ context.Context) (*domain.PriceUpdate, error) {
	p.priceMu.RLock()
	defer p.priceMu.RUnlock()
	if p.lastPrice == nil {
		return nil, ErrNotFound
	}
	u := *p.lastPrice
	return &u, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
