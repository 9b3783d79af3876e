package runlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireRelease(t *testing.T) {
	l := New()

	_, release, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, l.IsLocked("c1"))
	assert.False(t, l.IsLocked("c2"))
	assert.Equal(t, []string{"c1"}, l.ActiveConversationIDs())

	release()
	assert.False(t, l.IsLocked("c1"))
	assert.Empty(t, l.ActiveConversationIDs())

	// release is idempotent.
	release()
	assert.False(t, l.IsLocked("c1"))
}

func TestFIFOOrdering(t *testing.T) {
	l := New()

	_, release1, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	acquired := make(chan struct{}, 2)
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, rel, err := l.Acquire(context.Background(), "c1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			acquired <- struct{}{}
			rel()
		}(i)
		// Stagger so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	// Neither waiter proceeds while the first holder is live.
	select {
	case <-acquired:
		t.Fatal("waiter acquired while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release1()
	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

func TestExclusivity(t *testing.T) {
	l := New()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, rel, err := l.Acquire(context.Background(), "c1")
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			rel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive, "at most one holder at a time")
}

func TestDeadlockDetection(t *testing.T) {
	l := New()

	ctx, release, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	_, _, err = l.Acquire(ctx, "c1")
	var dl *DeadlockError
	require.ErrorAs(t, err, &dl)
	assert.Equal(t, "c1", dl.ConversationID)

	// A different conversation from the same context is fine.
	_, rel2, err := l.Acquire(ctx, "c2")
	require.NoError(t, err)
	rel2()
}

func TestAcquireCancelled(t *testing.T) {
	l := New()

	_, release, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = l.Acquire(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not wedge the queue.
	release()
	_, rel2, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	rel2()
}
