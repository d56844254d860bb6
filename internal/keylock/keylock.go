// Package keylock serializes work on the same logical key. Two goroutines
// that hold different keys never block each other.
//
// Usage:
//
//	unlock, err := locks.Lock(ctx, "channel\x00bbc_one")
//	if err != nil { ... }
//	defer unlock()
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Locker is a map of per-key binary semaphores. Entries are dropped once no
// goroutine holds or waits on them, so the map stays bounded by concurrency
// rather than by the number of keys ever seen.
type Locker struct {
	mu   sync.Mutex
	sems map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{sems: make(map[string]*entry)}
}

// Key joins parts into a lock key.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return string(b)
}

// Lock blocks until key is free or ctx is done and returns a release func.
// The release func is idempotent.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.ref(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
	}, nil
}

// LockAll acquires every distinct key in sorted order so that concurrent
// callers asking for overlapping sets cannot deadlock.
func (l *Locker) LockAll(ctx context.Context, keys ...string) (func(), error) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)
	releases := make([]func(), 0, len(uniq))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range uniq {
		rel, err := l.Lock(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}

// Len returns the number of keys currently held or waited on.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sems[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.sems[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.sems, key)
	}
}
