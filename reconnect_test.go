package codeshare

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconnector(base, maxDelay time.Duration, attempts int) *reconnector {
	return newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   base,
		ReconnectMaxDelay:    maxDelay,
		MaxReconnectAttempts: attempts,
	})
}

func TestReconnectorDelays(t *testing.T) {
	t.Run("default sequence then refused", func(t *testing.T) {
		r := newTestReconnector(time.Second, 30*time.Second, 5)

		var got []time.Duration
		for i := 0; i < 5; i++ {
			d, ok := r.nextDelay()
			require.True(t, ok, "attempt %d", i)
			got = append(got, d)
		}
		assert.Equal(t, []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		}, got)

		_, ok := r.nextDelay()
		assert.False(t, ok)
		assert.False(t, r.shouldReconnect())
		assert.Equal(t, 5, r.attempts())
	})

	t.Run("capped at max", func(t *testing.T) {
		r := newTestReconnector(time.Second, 3*time.Second, 10)

		var got []time.Duration
		for i := 0; i < 4; i++ {
			d, ok := r.nextDelay()
			require.True(t, ok)
			got = append(got, d)
		}
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, got)
	})

	t.Run("reset restarts sequence", func(t *testing.T) {
		r := newTestReconnector(time.Second, 30*time.Second, 5)
		for i := 0; i < 5; i++ {
			r.nextDelay()
		}
		r.reset()

		assert.True(t, r.shouldReconnect())
		d, ok := r.nextDelay()
		require.True(t, ok)
		assert.Equal(t, time.Second, d)
	})

	t.Run("negative budget disables retries", func(t *testing.T) {
		r := newTestReconnector(time.Second, 30*time.Second, -1)
		assert.False(t, r.shouldReconnect())
		_, ok := r.nextDelay()
		assert.False(t, ok)
	})
}

func TestReconnectorSchedule(t *testing.T) {
	t.Run("fires once", func(t *testing.T) {
		r := newTestReconnector(10*time.Millisecond, time.Second, 5)
		var fired atomic.Int32

		attempt, delay, ok := r.schedule(func() { fired.Add(1) })
		require.True(t, ok)
		assert.Equal(t, 1, attempt)
		assert.Equal(t, 10*time.Millisecond, delay)

		assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("new schedule replaces pending timer", func(t *testing.T) {
		r := newTestReconnector(30*time.Millisecond, time.Second, 5)
		var first, second atomic.Int32

		r.schedule(func() { first.Add(1) })
		r.schedule(func() { second.Add(1) })

		assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), first.Load())
	})

	t.Run("cancel stops pending timer", func(t *testing.T) {
		r := newTestReconnector(20*time.Millisecond, time.Second, 5)
		var fired atomic.Int32

		r.schedule(func() { fired.Add(1) })
		r.cancel()

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("exhausted budget schedules nothing", func(t *testing.T) {
		r := newTestReconnector(time.Millisecond, time.Second, 1)
		_, _, ok := r.schedule(func() {})
		require.True(t, ok)

		_, _, ok = r.schedule(func() { t.Error("must not fire") })
		assert.False(t, ok)
		time.Sleep(20 * time.Millisecond)
	})
}
