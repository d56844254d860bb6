package httpclient

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// HostSemaphore caps concurrent requests per upstream host. XC panels
// commonly allow one or two connections per line, and a scheduled sync, a
// manual one and a stream check can all hit the same panel.
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// GlobalHostSem is shared by every fetcher in the process. Cap: 2 per host.
var GlobalHostSem = NewHostSemaphore(2)

// NewHostSemaphore returns a semaphore allowing concurrency requests per host.
func NewHostSemaphore(concurrency int) *HostSemaphore {
	return &HostSemaphore{sems: make(map[string]chan struct{}), limit: max(concurrency, 1)}
}

// Acquire blocks until a slot for rawURL's scheme+host is free or ctx ends.
// The returned release func must be called exactly once.
func (h *HostSemaphore) Acquire(ctx context.Context, rawURL string) (release func(), err error) {
	sem := h.semFor(hostKey(rawURL))
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *HostSemaphore) semFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sems[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[key] = s
	}
	return s
}

func hostKey(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return strings.ToLower(u.Scheme + "://" + u.Host)
	}
	return rawURL
}
