package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedScheduler(t *testing.T) {

	t.Run("fires after delay", func(t *testing.T) {
		s := NewKeyedScheduler()
		defer s.Close()
		var fired atomic.Int32

		s.Schedule("k", 10*time.Millisecond, func() { fired.Add(1) })

		require.Eventually(t, func() bool {
			return fired.Load() == 1
		}, time.Second, 5*time.Millisecond)
		assert.False(t, s.Pending("k"))
	})

	t.Run("reschedule replaces pending timer", func(t *testing.T) {
		s := NewKeyedScheduler()
		defer s.Close()
		var first, second atomic.Int32

		s.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
		s.Schedule("k", 20*time.Millisecond, func() { second.Add(1) })

		require.Eventually(t, func() bool {
			return second.Load() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), first.Load())
	})

	t.Run("cancel stops pending timer", func(t *testing.T) {
		s := NewKeyedScheduler()
		defer s.Close()
		var fired atomic.Int32

		s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
		cancelled := s.Cancel("k")

		assert.True(t, cancelled)
		assert.False(t, s.Pending("k"))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})

	t.Run("cancel unknown key", func(t *testing.T) {
		s := NewKeyedScheduler()
		defer s.Close()

		assert.False(t, s.Cancel("unknown"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := NewKeyedScheduler()
		defer s.Close()
		var a, b atomic.Int32

		s.Schedule("a", 10*time.Millisecond, func() { a.Add(1) })
		s.Schedule("b", 10*time.Millisecond, func() { b.Add(1) })
		s.Cancel("a")

		require.Eventually(t, func() bool {
			return b.Load() == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), a.Load())
	})

	t.Run("schedule after close is a no-op", func(t *testing.T) {
		s := NewKeyedScheduler()
		var fired atomic.Int32

		s.Schedule("k", 10*time.Millisecond, func() { fired.Add(1) })
		s.Close()
		s.Schedule("k2", 10*time.Millisecond, func() { fired.Add(1) })

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(0), fired.Load())
	})
}
