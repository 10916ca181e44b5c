package store

import (
	"context"
	"sync"
	"time"

	"github.com/collateralhq/loanwatch/internal/domain"
)

// MemoryStore is the map-backed state surface. It also backs the JSON
// snapshot store.
type MemoryStore struct {
	mu          sync.RWMutex
	loans       map[string]domain.Loan
	priceAlerts map[string]domain.PriceAlert
	ltvAlerts   map[string]domain.LtvAlert
	lastPrice   *domain.PriceUpdate
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:       make(map[string]domain.Loan),
		priceAlerts: make(map[string]domain.PriceAlert),
		ltvAlerts:   make(map[string]domain.LtvAlert),
	}
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan domain.Loan) error {
	if err := loan.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.Token] = loan
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, token string) (*domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &loan, nil
}

func (m *MemoryStore) GetAllLoans(_ context.Context) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Loan, 0, len(m.loans))
	for _, loan := range m.loans {
		out = append(out, loan)
	}
	return out, nil
}

func (m *MemoryStore) DeleteLoan(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[token]; !ok {
		return ErrNotFound
	}
	delete(m.loans, token)
	for id, alert := range m.priceAlerts {
		if alert.Token == token {
			delete(m.priceAlerts, id)
		}
	}
	for id, alert := range m.ltvAlerts {
		if alert.Token == token {
			delete(m.ltvAlerts, id)
		}
	}
	return nil
}

func (m *MemoryStore) CreatePriceAlert(_ context.Context, alert domain.PriceAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceAlerts[alert.ID] = alert
	return nil
}

func (m *MemoryStore) GetAllPriceAlerts(_ context.Context) ([]domain.PriceAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PriceAlert, 0, len(m.priceAlerts))
	for _, alert := range m.priceAlerts {
		out = append(out, alert)
	}
	return out, nil
}

func (m *MemoryStore) DeletePriceAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.priceAlerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.priceAlerts, id)
	return nil
}

func (m *MemoryStore) MarkPriceAlertTriggered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.priceAlerts[id]
	if !ok {
		return ErrNotFound
	}
	alert.Triggered = true
	alert.TriggeredAt = at
	m.priceAlerts[id] = alert
	return nil
}

func (m *MemoryStore) CreateLtvAlert(_ context.Context, alert domain.LtvAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ltvAlerts[alert.ID] = alert
	return nil
}

func (m *MemoryStore) GetAllLtvAlerts(_ context.Context) ([]domain.LtvAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LtvAlert, 0, len(m.ltvAlerts))
	for _, alert := range m.ltvAlerts {
		out = append(out, alert)
	}
	return out, nil
}

func (m *MemoryStore) DeleteLtvAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ltvAlerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.ltvAlerts, id)
	return nil
}

func (m *MemoryStore) MarkLtvAlertTriggered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.ltvAlerts[id]
	if !ok {
		return ErrNotFound
	}
	alert.Triggered = true
	alert.TriggeredAt = at
	m.ltvAlerts[id] = alert
	return nil
}

func (m *MemoryStore) SetLastPrice(_ context.Context, update domain.PriceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrice = &update
	return nil
}

func (m *MemoryStore) GetLastPrice(_ context.Context) (*domain.PriceUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastPrice == nil {
		return nil, ErrNotFound
	}
	u := *m.lastPrice
	return &u, nil
}

func (m *MemoryStore) Close() error { return nil }

// snapshot captures the persistent portion of the store state under the
// read lock. The last price is live data and is not snapshotted.
func (m *MemoryStore) snapshot() fileSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := fileSnapshot{}
	for _, loan := range m.loans {
		snap.Loans = append(snap.Loans, loan)
	}
	for _, alert := range m.priceAlerts {
		snap.PriceAlerts = append(snap.PriceAlerts, alert)
	}
	for _, alert := range m.ltvAlerts {
		snap.LtvAlerts = append(snap.LtvAlerts, alert)
	}
	return snap
}

// restore replaces the store contents from a snapshot.
func (m *MemoryStore) restore(snap fileSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loans = make(map[string]domain.Loan, len(snap.Loans))
	for _, loan := range snap.Loans {
		m.loans[loan.Token] = loan
	}
	m.priceAlerts = make(map[string]domain.PriceAlert, len(snap.PriceAlerts))
	for _, alert := range snap.PriceAlerts {
		m.priceAlerts[alert.ID] = alert
	}
	m.ltvAlerts = make(map[string]domain.LtvAlert, len(snap.LtvAlerts))
	for _, alert := range snap.LtvAlerts {
		m.ltvAlerts[alert.ID] = alert
	}
}
