package core

import (
	"sync"
	"time"
)

// KeyedScheduler owns at most one pending timer per key. Scheduling a key
// that already has a pending timer cancels the old timer before installing
// the new one, so a stale timer can never fire after the key has been
// rescheduled or cancelled.
type KeyedScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewKeyedScheduler() *KeyedScheduler {
	return &KeyedScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arranges for f to run after d, replacing any pending timer for key.
// f runs on the timer goroutine; it must not call back into Schedule or
// Cancel for the same key while holding locks that the caller of Schedule
// holds.
func (s *KeyedScheduler) Schedule(key string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// The callback may have raced with a replace or cancel between the
		// timer firing and acquiring the lock. Only the registered timer is
		// allowed to run.
		if s.timers[key] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		f()
	})
	s.timers[key] = timer
}

// Cancel stops the pending timer for key, if any, and reports whether a timer
// was cancelled.
func (s *KeyedScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether a timer is scheduled for key.
func (s *KeyedScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Close cancels all pending timers. Schedule becomes a no-op afterwards.
func (s *KeyedScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
