package batch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

func newTestWriter(debounce time.Duration, maxBatch int) *Writer {
	return NewWriter(&config.BatchWriterConfig{
		DebounceDelay: debounce,
		MaxBatchSize:  maxBatch,
	})
}

func TestSchedule_LastWriterWins(t *testing.T) {
	w := newTestWriter(20*time.Millisecond, 100)
	w.Start()
	defer w.Stop()

	var first, second atomic.Int32
	w.Schedule("session", func() error { first.Add(1); return nil })
	w.Schedule("session", func() error { second.Add(1); return nil })

	require.Eventually(t, func() bool { return second.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced callback must never run")
}

func TestSchedule_BatchSizeTriggersImmediateFlush(t *testing.T) {
	w := newTestWriter(time.Hour, 3)
	w.Start()
	defer w.Stop()

	var calls atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		w.Schedule(key, func() error { calls.Add(1); return nil })
	}

	require.Eventually(t, func() bool { return calls.Load() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, w.Pending())
}

func TestStop_FlushesPendingAndIsIdempotent(t *testing.T) {
	w := newTestWriter(time.Hour, 100)
	w.Start()

	var calls atomic.Int32
	w.Schedule("x", func() error { calls.Add(1); return nil })

	w.Stop()
	w.Stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, w.Pending())
}

func TestStop_WithoutStart(t *testing.T) {
	w := newTestWriter(time.Second, 10)

	var calls atomic.Int32
	w.Schedule("x", func() error { calls.Add(1); return nil })
	w.Stop()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFlush_CallbackErrorDoesNotStopOthers(t *testing.T) {
	w := newTestWriter(time.Hour, 2)
	w.Start()
	defer w.Stop()

	var okCalls atomic.Int32
	w.Schedule("bad", func() error { return assert.AnError })
	w.Schedule("good", func() error { okCalls.Add(1); return nil })

	require.Eventually(t, func() bool { return okCalls.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSchedule_ConcurrentKeys(t *testing.T) {
	w := newTestWriter(10*time.Millisecond, 1000)
	w.Start()

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.Schedule(string(rune('a'+n%26)), func() error { calls.Add(1); return nil })
		}(i)
	}
	wg.Wait()
	w.Stop()

	// At most one call per distinct key survives coalescing.
	assert.LessOrEqual(t, calls.Load(), int32(26))
	assert.Greater(t, calls.Load(), int32(0))
}
