package device

import "sync"

// Sticky per-device error state. The first error recorded wins and is never
// overwritten so that root causes are not masked by cascading failures. Safe
// for concurrent use.
type ErrorState struct {
	mu  sync.Mutex
	err error
}

// Record err unless an earlier error is already held. Returns true when err
// became the sticky error.
func (s *ErrorState) Record(err error) bool {
	if err == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

// Get the sticky error, or nil if none was recorded.
func (s *ErrorState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// True once any error has been recorded.
func (s *ErrorState) Failed() bool {
	return s.Err() != nil
}
