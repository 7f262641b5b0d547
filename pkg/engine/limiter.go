package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// EndpointLimiter bounds outbound activity calls, both overall and per
// endpoint host.
type EndpointLimiter struct {
	global  *semaphore.Weighted
	perHost int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// NewEndpointLimiter creates a limiter. A non-positive limit disables that bound.
func NewEndpointLimiter(maxConcurrent, maxPerHost int64) *EndpointLimiter {
	l := &EndpointLimiter{
		perHost: maxPerHost,
		hosts:   make(map[string]*semaphore.Weighted),
	}
	if maxConcurrent > 0 {
		l.global = semaphore.NewWeighted(maxConcurrent)
	}
	return l
}

// Acquire blocks until a slot for host is free or ctx is done. The returned
// function releases the slot.
func (l *EndpointLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}

	if l.global != nil {
		if err := l.global.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	hs := l.hostSemaphore(host)
	if hs != nil {
		if err := hs.Acquire(ctx, 1); err != nil {
			if l.global != nil {
				l.global.Release(1)
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if hs != nil {
				hs.Release(1)
			}
			if l.global != nil {
				l.global.Release(1)
			}
		})
	}, nil
}

func (l *EndpointLimiter) hostSemaphore(host string) *semaphore.Weighted {
	if l.perHost <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.hosts[host]
	if !ok {
		s = semaphore.NewWeighted(l.perHost)
		l.hosts[host] = s
	}
	return s
}
