package room

import "sync"

// readLedger records the last observed mtime per file path on the local
// machine. A write is only allowed for paths the room has read, and carries
// the recorded mtime so the local peer can refuse stale writes.
type readLedger struct {
	mu     sync.Mutex
	mtimes map[string]float64
}

func newReadLedger() *readLedger {
	return &readLedger{mtimes: make(map[string]float64)}
}

func (l *readLedger) record(path string, mtime float64) {
	l.mu.Lock()
	l.mtimes[path] = mtime
	l.mu.Unlock()
}

func (l *readLedger) get(path string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mtimes[path]
	return m, ok
}

func (l *readLedger) clear() {
	l.mu.Lock()
	l.mtimes = make(map[string]float64)
	l.mu.Unlock()
}

func (l *readLedger) snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.mtimes))
	for k, v := range l.mtimes {
		out[k] = v
	}
	return out
}

func (l *readLedger) restore(mtimes map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtimes = make(map[string]float64, len(mtimes))
	for k, v := range mtimes {
		l.mtimes[k] = v
	}
}
