package locks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndBusy(t *testing.T) {
	table := NewTable(10 * time.Minute)

	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))
	assert.ErrorIs(t, table.Acquire("b1", "t1", "turn-2"), ErrBusy)

	// Other threads and bridges are independent.
	require.NoError(t, table.Acquire("b1", "t2", "turn-3"))
	require.NoError(t, table.Acquire("b2", "t1", "turn-4"))
}

func TestReleaseForTurn(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))

	// Terminal status for a stale turn does not release the current lock.
	assert.False(t, table.ReleaseForTurn("b1", "t1", "turn-0"))
	_, held := table.Owner("b1", "t1")
	assert.True(t, held)

	assert.True(t, table.ReleaseForTurn("b1", "t1", "turn-1"))
	require.NoError(t, table.Acquire("b1", "t1", "turn-2"))
}

func TestCheckCurrent(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))

	assert.NoError(t, table.CheckCurrent("b1", "t1", "turn-1"))
	assert.ErrorIs(t, table.CheckCurrent("b1", "t1", "turn-9"), ErrNotCurrentTurn)
	assert.ErrorIs(t, table.CheckCurrent("b1", "t9", "turn-1"), ErrNotCurrentTurn)
}

func TestSetOwner(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", "pending"))

	table.SetOwner("b1", "t1", "turn-real")
	owner, held := table.Owner("b1", "t1")
	require.True(t, held)
	assert.Equal(t, "turn-real", owner)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	table := NewTable(10 * time.Minute)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if table.Acquire("b1", "t1", "turn") == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestReleaseBridge(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))
	require.NoError(t, table.Acquire("b1", "t2", "turn-2"))
	require.NoError(t, table.Acquire("b2", "t1", "turn-3"))

	table.ReleaseBridge("b1")

	_, held := table.Owner("b1", "t1")
	assert.False(t, held)
	_, held = table.Owner("b1", "t2")
	assert.False(t, held)
	_, held = table.Owner("b2", "t1")
	assert.True(t, held)
}

func TestWatchdogReleasesStaleLock(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	table := NewTable(time.Minute)
	table.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))

	// Activity keeps the lock alive past the ceiling measured from acquisition.
	mu.Lock()
	now = base.Add(50 * time.Second)
	mu.Unlock()
	table.Touch("b1", "t1", "turn-1")

	mu.Lock()
	now = base.Add(100 * time.Second)
	mu.Unlock()
	assert.Empty(t, table.SweepStale())

	mu.Lock()
	now = base.Add(3 * time.Minute)
	mu.Unlock()
	released := table.SweepStale()
	require.Len(t, released, 1)
	assert.Equal(t, "turn-1", released[0].TurnID)

	require.NoError(t, table.Acquire("b1", "t1", "turn-2"))
}

func TestTouchIgnoresNonOwner(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	table := NewTable(time.Minute)
	table.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()
	table.Touch("b1", "t1", "turn-other")

	assert.Len(t, table.SweepStale(), 1)
}

func TestWatchdogLifecycle(t *testing.T) {
	table := NewTable(time.Minute)
	table.StartWatchdog(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	table.Stop()
}

func TestThreadForTurn(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", "turn-1"))

	thread, err := table.ThreadForTurn("b1", "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", thread)

	_, err = table.ThreadForTurn("b1", "turn-stale")
	assert.ErrorIs(t, err, ErrNotCurrentTurn)
	_, err = table.ThreadForTurn("b2", "turn-1")
	assert.ErrorIs(t, err, ErrNotCurrentTurn)
}

func TestReleaseForTurnMatchesPendingOwner(t *testing.T) {
	table := NewTable(10 * time.Minute)
	require.NoError(t, table.Acquire("b1", "t1", PendingOwner))

	// A terminal status arriving while the acquiring send is still in
	// flight belongs to the turn that send started; the lock must not
	// strand until the watchdog.
	assert.True(t, table.ReleaseForTurn("b1", "t1", "turn-1"))
	_, held := table.Owner("b1", "t1")
	assert.False(t, held)

	// A settled owner still only matches its own turn.
	require.NoError(t, table.Acquire("b1", "t1", "turn-2"))
	assert.False(t, table.ReleaseForTurn("b1", "t1", "turn-1"))
	owner, held := table.Owner("b1", "t1")
	require.True(t, held)
	assert.Equal(t, "turn-2", owner)
}
