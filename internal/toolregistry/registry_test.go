package toolregistry

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func expectSlugNotFound(mock sqlmock.Sqlmock, slug string) {
	mock.ExpectQuery("SELECT id FROM mcp_servers").
		WithArgs(slug).
		WillReturnError(sql.ErrNoRows)
}

func TestLoadToolsForSlugCachesAcrossCalls(t *testing.T) {
	store, mock := newMockStore(t)
	expectSlugNotFound(mock, "missing-slug")

	reg := NewRegistry(store, time.Minute)

	cfg, err := reg.LoadToolsForSlug(context.Background(), "missing-slug")
	require.NoError(t, err)
	require.Nil(t, cfg)

	// Second call must be served from cache: sqlmock would fail the test
	// (unmet/extra expectation) if the store were hit again.
	cfg, err = reg.LoadToolsForSlug(context.Background(), "missing-slug")
	require.NoError(t, err)
	require.Nil(t, cfg)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadToolsForSlugReloadsAfterTTLExpiry(t *testing.T) {
	store, mock := newMockStore(t)
	expectSlugNotFound(mock, "slug-a")
	expectSlugNotFound(mock, "slug-a")

	reg := NewRegistry(store, 10*time.Millisecond)

	_, err := reg.LoadToolsForSlug(context.Background(), "slug-a")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// The cache entry has expired, so this call must reach the store again.
	_, err = reg.LoadToolsForSlug(context.Background(), "slug-a")
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshToolsNotifiesListenersInOrderOnce(t *testing.T) {
	reg := NewRegistry(&Store{}, time.Minute)

	var mu sync.Mutex
	var calls []string
	reg.Subscribe(func(slug string) {
		mu.Lock()
		calls = append(calls, "first:"+slug)
		mu.Unlock()
	})
	unsubscribeSecond := reg.Subscribe(func(slug string) {
		mu.Lock()
		calls = append(calls, "second:"+slug)
		mu.Unlock()
	})

	reg.RefreshTools("alpha")
	unsubscribeSecond()
	reg.RefreshTools("beta")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first:alpha", "second:alpha", "first:beta"}, calls)
}

func TestSanitizeToolName(t *testing.T) {
	require.Equal(t, "fetch_weather", sanitizeToolName("Fetch Weather!!"))
	require.Equal(t, "usdc_transfer", sanitizeToolName(" USDC--Transfer "))
	require.Equal(t, "", sanitizeToolName("***"))
}
