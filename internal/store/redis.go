package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

const (
	redisLoansKey       = "loanwatch:loans"
	redisPriceAlertsKey = "loanwatch:alerts:price"
	redisLtvAlertsKey   = "loanwatch:alerts:ltv"
	redisLastPriceKey   = "loanwatch:last_price"
)

// RedisStore keeps loans and alerts as JSON values in redis hashes.
// A single loanwatch process owns the keys, so read-modify-write on an
// alert does not need a transaction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a redis-backed store.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (r *RedisStore) CreateLoan(ctx context.Context, loan domain.Loan) error {
	if err := loan.Validate(); err != nil {
		return err
	}
	return r.hsetJSON(ctx, redisLoansKey, loan.Token, loan)
}

func (r *RedisStore) GetLoan(ctx context.Context, token string) (*domain.Loan, error) {
	data, err := r.client.HGet(ctx, redisLoansKey, token).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read loan: %w", err)
	}
	var loan domain.Loan
	if err := json.Unmarshal(data, &loan); err != nil {
		return nil, fmt.Errorf("failed to decode loan: %w", err)
	}
	return &loan, nil
}

func (r *RedisStore) GetAllLoans(ctx context.Context) ([]domain.Loan, error) {
	values, err := r.client.HGetAll(ctx, redisLoansKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read loans: %w", err)
	}
	loans := make([]domain.Loan, 0, len(values))
	for _, raw := range values {
		var loan domain.Loan
		if err := json.Unmarshal([]byte(raw), &loan); err != nil {
			return nil, fmt.Errorf("failed to decode loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

func (r *RedisStore) DeleteLoan(ctx context.Context, token string) error {
	n, err := r.client.HDel(ctx, redisLoansKey, token).Result()
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	// Cascade to the loan's alerts.
	if alerts, err := r.GetAllPriceAlerts(ctx); err == nil {
		for _, a := range alerts {
			if a.Token == token {
				r.client.HDel(ctx, redisPriceAlertsKey, a.ID)
			}
		}
	}
	if alerts, err := r.GetAllLtvAlerts(ctx); err == nil {
		for _, a := range alerts {
			if a.Token == token {
				r.client.HDel(ctx, redisLtvAlertsKey, a.ID)
			}
		}
	}
	return nil
}

func (r *RedisStore) CreatePriceAlert(ctx context.Context, alert domain.PriceAlert) error {
	return r.hsetJSON(ctx, redisPriceAlertsKey, alert.ID, alert)
}

func (r *RedisStore) GetAllPriceAlerts(ctx context.Context) ([]domain.PriceAlert, error) {
	values, err := r.client.HGetAll(ctx, redisPriceAlertsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read price alerts: %w", err)
	}
	alerts := make([]domain.PriceAlert, 0, len(values))
	for _, raw := range values {
		var a domain.PriceAlert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to decode price alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (r *RedisStore) DeletePriceAlert(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, redisPriceAlertsKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete price alert: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) MarkPriceAlertTriggered(ctx context.Context, id string, at time.Time) error {
	data, err := r.client.HGet(ctx, redisPriceAlertsKey, id).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read price alert: %w", err)
	}
	var a domain.PriceAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("failed to decode price alert: %w", err)
	}
	a.Triggered = true
	a.TriggeredAt = at
	return r.hsetJSON(ctx, redisPriceAlertsKey, id, a)
}

func (r *RedisStore) CreateLtvAlert(ctx context.Context, alert domain.LtvAlert) error {
	return r.hsetJSON(ctx, redisLtvAlertsKey, alert.ID, alert)
}

func (r *RedisStore) GetAllLtvAlerts(ctx context.Context) ([]domain.LtvAlert, error) {
	values, err := r.client.HGetAll(ctx, redisLtvAlertsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ltv alerts: %w", err)
	}
	alerts := make([]domain.LtvAlert, 0, len(values))
	for _, raw := range values {
		var a domain.LtvAlert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to decode ltv alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (r *RedisStore) DeleteLtvAlert(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, redisLtvAlertsKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete ltv alert: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) MarkLtvAlertTriggered(ctx context.Context, id string, at time.Time) error {
	data, err := r.client.HGet(ctx, redisLtvAlertsKey, id).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read ltv alert: %w", err)
	}
	var a domain.LtvAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("failed to decode ltv alert: %w", err)
	}
	a.Triggered = true
	a.TriggeredAt = at
	return r.hsetJSON(ctx, redisLtvAlertsKey, id, a)
}

func (r *RedisStore) SetLastPrice(ctx context.Context, update domain.PriceUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode price update: %w", err)
	}
	if err := r.client.Set(ctx, redisLastPriceKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store last price: %w", err)
	}
	return nil
}

func (r *RedisStore) GetLastPrice(ctx context.Context) (*domain.PriceUpdate, error) {
	data, err := r.client.Get(ctx, redisLastPriceKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last price: %w", err)
	}
	var u domain.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode last price: %w", err)
	}
	return &u, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) hsetJSON(ctx context.Context, key, field string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := r.client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
