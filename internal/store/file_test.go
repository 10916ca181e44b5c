package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/domain"
)

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanwatch.json")
	ctx := context.Background()

	st, err := NewFileStore(path)
	require.NoError(t, err)

	loan := newTestLoan(t)
	require.NoError(t, st.CreateLoan(ctx, loan))

	alert, err := domain.NewPriceAlert(loan.Token, 60000, domain.DirectionBelow)
	require.NoError(t, err)
	require.NoError(t, st.CreatePriceAlert(ctx, *alert))
	require.NoError(t, st.MarkPriceAlertTriggered(ctx, alert.ID, time.Now().UTC()))

	// Reopen from disk: the loan and the triggered flag survive.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := reopened.GetLoan(ctx, loan.Token)
	require.NoError(t, err)
	assert.Equal(t, loan.Token, got.Token)

	alerts, err := reopened.GetAllPriceAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Triggered, "triggered flag must survive a restart")
}

func TestFileStore_LastPriceIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanwatch.json")
	ctx := context.Background()

	st, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, st.SetLastPrice(ctx, domain.PriceUpdate{Price: 60000}))
	loan := newTestLoan(t)
	require.NoError(t, st.CreateLoan(ctx, loan))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = reopened.GetLastPrice(ctx)
	assert.ErrorIs(t, err, ErrNotFound, "last price is live data, not part of the snapshot")
}

func TestFileStore_DeleteLoanCascadePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanwatch.json")
	ctx := context.Background()

	st, err := NewFileStore(path)
	require.NoError(t, err)

	loan := newTestLoan(t)
	require.NoError(t, st.CreateLoan(ctx, loan))
	alert, err := domain.NewLtvAlert(loan.Token, 0.75, domain.DirectionAbove)
	require.NoError(t, err)
	require.NoError(t, st.CreateLtvAlert(ctx, *alert))

	require.NoError(t, st.DeleteLoan(ctx, loan.Token))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	alerts, err := reopened.GetAllLtvAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestFileStore_CorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loanwatch.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path)
	require.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	mem, err := New(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	file, err := New(config.StoreConfig{Backend: "json", SnapshotPath: filepath.Join(dir, "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, file)

	_, err = New(config.StoreConfig{Backend: "cassandra"})
	require.Error(t, err)
}
