package ticker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crossguard/janitor/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPeriodicallyKeepsRunningAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Periodically(ctx, testutil.QuietLogger(), "test", time.Millisecond, func(ctx context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
			}
			return errors.New("boom")
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Periodically did not return after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}
