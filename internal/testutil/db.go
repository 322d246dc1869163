package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crossguard/janitor/migrate"
	"github.com/crossguard/janitor/util/cliutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// TestDB opens a migrated sqlite database in the test's temp dir. sqlite is limited to a single open connection,
// so code under test must only use the tx handle inside a transaction.
func TestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "janitor.sqlite")
	db, err := cliutil.SetupDatabase("sqlite://"+path, cliutil.DatabaseOptions{
		Logger: QuietLogger(),
	})
	require.NoError(t, err)

	_, err = migrate.Run(context.Background(), db, QuietLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqldb, err := db.DB(); err == nil {
			sqldb.Close()
		}
	})
	return db
}

// QuietLogger discards everything below error level.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Clock is a manually advanced clock for deterministic timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
