package cancel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/errs"
)

func TestCancelIsIdempotent(t *testing.T) {
	src := NewSource()
	var calls atomic.Int32
	src.Register(func() { calls.Add(1) })

	src.Cancel()
	src.Cancel()
	src.Cancel()

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, src.Cancelled())
}

func TestRegisterAfterCancelRunsImmediately(t *testing.T) {
	src := NewSource()
	src.Cancel()

	ran := false
	src.Register(func() { ran = true })
	assert.True(t, ran)
}

func TestDisposeDetachesCallback(t *testing.T) {
	src := NewSource()
	var calls atomic.Int32
	reg := src.Register(func() { calls.Add(1) })
	reg.Dispose()
	reg.Dispose() // second dispose is a no-op

	src.Cancel()
	assert.Equal(t, int32(0), calls.Load())
}

func TestWait(t *testing.T) {
	src := NewSource()
	assert.False(t, src.Wait(10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		src.Cancel()
	}()
	assert.True(t, src.Wait(time.Second))
	// Already cancelled: returns immediately.
	assert.True(t, src.Wait(time.Second))
}

func TestErrCarriesCancelledCode(t *testing.T) {
	src := NewSource()
	require.NoError(t, src.Err())

	src.Cancel()
	err := src.Err()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))
}

func TestContextCancelledWithSource(t *testing.T) {
	src := NewSource()
	select {
	case <-src.Context().Done():
		t.Fatal("context done before cancel")
	default:
	}
	src.Cancel()
	select {
	case <-src.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestConcurrentCancelAndRegister(t *testing.T) {
	src := NewSource()
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Register(func() { calls.Add(1) })
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		src.Cancel()
	}()
	wg.Wait()

	// Every callback ran exactly once, whether registered before or after
	// the cancel won the race.
	assert.Equal(t, int32(32), calls.Load())
}
