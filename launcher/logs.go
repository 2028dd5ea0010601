package launcher

import (
	"iter"
	"sync"
)

// logStream fans launch log lines out to a single reader. Lines pushed after
// close, or while the buffer is full, are dropped.
type logStream struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func newLogStream(size int) *logStream {
	return &logStream{ch: make(chan string, size)}
}

func (l *logStream) push(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	select {
	case l.ch <- line:
	default:
	}
}

func (l *logStream) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}

func (l *logStream) seq() iter.Seq[string] {
	return func(yield func(string) bool) {
		for line := range l.ch {
			if !yield(line) {
				return
			}
		}
	}
}
