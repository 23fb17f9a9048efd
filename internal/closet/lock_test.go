package closet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOLock_SerializesCriticalSections(t *testing.T) {
	locks := NewFIFOLockProvider()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	const goroutines = 16
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			err := WithLock(ctx, locks, LockName, func() error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside, "critical sections must never overlap")
}

func TestFIFOLock_IndependentNames(t *testing.T) {
	locks := NewFIFOLockProvider()
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	// A different name must not block.
	done := make(chan struct{})
	go func() {
		releaseB, err := locks.Acquire(ctx, "b")
		assert.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock name b blocked behind lock name a")
	}
}

func TestFIFOLock_GrantOrder(t *testing.T) {
	locks := NewFIFOLockProvider()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, LockName)
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			r, err := locks.Acquire(ctx, LockName)
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// Let each waiter queue before the next arrives.
		time.Sleep(10 * time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters are granted in arrival order")
}

func TestFIFOLock_AcquireCanceledWhileWaiting(t *testing.T) {
	locks := NewFIFOLockProvider()

	release, err := locks.Acquire(context.Background(), LockName)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := locks.Acquire(ctx, LockName)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The lock must still be usable after the canceled waiter left.
	release()
	again, err := locks.Acquire(context.Background(), LockName)
	require.NoError(t, err)
	again()
}

func TestFIFOLock_ReleaseIsIdempotent(t *testing.T) {
	locks := NewFIFOLockProvider()

	release, err := locks.Acquire(context.Background(), LockName)
	require.NoError(t, err)
	release()
	release() // second call must not corrupt the queue

	again, err := locks.Acquire(context.Background(), LockName)
	require.NoError(t, err)
	again()
}

func TestStrictLock_TripsOnOverlap(t *testing.T) {
	locks := NewStrictLockProvider()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, LockName)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, LockName)
	require.ErrorIs(t, err, ErrLockOverlap)

	release()
	again, err := locks.Acquire(ctx, LockName)
	require.NoError(t, err)
	again()
}

func TestStrictLock_IndependentNames(t *testing.T) {
	locks := NewStrictLockProvider()
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locks.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}
