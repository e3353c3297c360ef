package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

var sessionIDs atomic.Uint64

// session is the chunk buffer of one recording. Chunks are kept in arrival
// order until the session is drained or discarded; after that appends are
// ignored.
type session struct {
	id        uint64
	started   time.Time
	recording Recording

	mu     sync.Mutex
	chunks [][]byte
	done   bool
}

func newSession() *session {
	return &session{id: sessionIDs.Add(1), started: time.Now()}
}

// append adds chunk and reports whether it was kept.
func (s *session) append(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	return true
}

func (s *session) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// drain returns the collected chunks and empties the buffer.
func (s *session) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.chunks
	s.chunks = nil
	s.done = true
	return chunks
}

func (s *session) discard() { s.drain() }
