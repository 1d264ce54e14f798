package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJournalKeepsMostRecent(t *testing.T) {
	j := NewMemoryJournal(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, Exchange{ID: uuid.New(), Status: 200 + i}))
	}

	got, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{204, 203, 202}, []int{got[0].Status, got[1].Status, got[2].Status})

	got, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 204, got[0].Status)
}

func TestMemoryJournalEmpty(t *testing.T) {
	got, err := NewMemoryJournal(0).Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertExchangeQuery(t *testing.T) {
	e := Exchange{
		ID:         uuid.New(),
		Method:     "GET",
		TargetHost: "example.com",
		Status:     200,
		Duration:   1500 * time.Millisecond,
		CreatedAt:  time.Now(),
	}
	query, args := insertExchangeQuery(e)

	assert.True(t, strings.HasPrefix(query, `INSERT INTO "hop_exchanges"`), query)
	assert.Contains(t, query, `"duration_ms"`)
	assert.Contains(t, query, "$9")
	require.Len(t, args, len(exchangeColumns))
	assert.Equal(t, int64(1500), args[6])
}

func TestRecentExchangesQuery(t *testing.T) {
	query, args := recentExchangesQuery(25)

	assert.Contains(t, query, "hop_exchanges")
	assert.Contains(t, query, "ORDER BY")
	assert.Contains(t, query, "DESC")
	assert.Contains(t, query, "LIMIT 25")
	assert.Empty(t, args)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("HOP_DB_DSN", "")
	_, err := ConfigFromEnv()
	assert.Error(t, err)

	t.Setenv("HOP_DB_DSN", "postgres://hop:secret@db:5432/hop?sslmode=disable")
	t.Setenv("HOP_DB_MAX_OPEN_CONNS", "20")
	t.Setenv("HOP_DB_CONN_MAX_LIFETIME", "5m")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "", maskDSN(""))
	assert.NotContains(t, maskDSN("postgres://hop:secret@db:5432/hop"), "secret")
	assert.Equal(t, "***", maskDSN("host=db password=secret"))
}
