package limiter

import (
	"testing"
	"time"

	"github.com/manenim/limits-go/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) *storage.Memory {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(store.Close)
	return store
}

// waitForWindowStart sleeps until shortly after the next clock-aligned
// window boundary, so a burst of hits lands inside a single sliding
// window bucket instead of straddling a rotation.
func waitForWindowStart(t *testing.T, expiry time.Duration) {
	t.Helper()
	now := time.Now()
	next := now.Truncate(expiry).Add(expiry)
	time.Sleep(next.Sub(now) + 20*time.Millisecond)
}

func mustStrategy(t *testing.T) func(s Strategy, err error) Strategy {
	t.Helper()
	return func(s Strategy, err error) Strategy {
		require.NoError(t, err)
		return s
	}
}
