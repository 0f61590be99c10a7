package rimage

import "sync"

// Snapshotter arms at most one pending write of the next produced frame. It is owned by one
// producer goroutine which calls Consume once per frame.
type Snapshotter struct {
	mu   sync.Mutex
	path string
}

// Arm records path as the target of the next frame. It returns false, leaving the pending
// request untouched, when a write is already pending.
func (s *Snapshotter) Arm(path string) bool {
	if path == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		return false
	}
	s.path = path
	return true
}

// Pending reports whether a write is armed and not finished yet.
func (s *Snapshotter) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path != ""
}

// Consume writes f to the pending path, if any, then disarms. The request stays pending while the
// write is in progress so a concurrent Arm cannot sneak in a second write.
func (s *Snapshotter) Consume(f *Frame) (string, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()
	if path == "" {
		return "", nil
	}

	err := WriteFile(path, f)

	s.mu.Lock()
	s.path = ""
	s.mu.Unlock()
	return path, err
}
