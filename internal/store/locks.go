package store

import (
	"path/filepath"
	"sync"
)

// PathLocks provides per-path mutual exclusion keyed by cleaned absolute
// path. The per-path mutex is deliberately not stored on the guarded state
// itself (that would need a lock to fetch the lock); a top-level mutex
// guards double-checked creation of the per-path entries.
//
// Lock order within the stores is session-key → conversation file → event
// file. Nested acquisition in any other order is a bug.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *PathLocks) lockFor(path string) *sync.Mutex {
	key := filepath.Clean(path)
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// WithLock runs fn while holding the mutex for path. Concurrent callers on
// the same path observe serialized execution; distinct paths proceed in
// parallel. Not re-entrant.
func (p *PathLocks) WithLock(path string, fn func() error) error {
	l := p.lockFor(path)
	l.Lock()
	defer l.Unlock()
	return fn()
}
