// Package task runs a function repeatedly on a dedicated goroutine under a
// streaming lock, with cooperative start, pause and stop.
package task

import (
	"context"
	"sync"
)

type ownerKey struct{}

// owner identifies the logical holder of a StreamLock. Goroutines do not
// have identity in Go, so ownership travels in a context.
type owner struct {
	name string
}

// WithOwner returns a context that holds locks as a fresh owner.
func WithOwner(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ownerKey{}, &owner{name: name})
}

func ownerOf(ctx context.Context) *owner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*owner)
	return o
}

// StreamLock is a mutex that the same owner may acquire recursively.
// Callbacks invoked from the streaming goroutine receive the owning context
// and can call back into code that takes the lock without deadlocking.
type StreamLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *owner
	depth int
}

// NewStreamLock creates an unlocked StreamLock.
func NewStreamLock() *StreamLock {
	l := &StreamLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the lock for the owner carried by ctx, creating an owner
// when ctx has none. The returned context must be passed to Unlock and to
// any callee that may re-enter.
func (l *StreamLock) Lock(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	o := ownerOf(ctx)
	if o == nil {
		ctx = WithOwner(ctx, "anonymous")
		o = ownerOf(ctx)
	}

	l.mu.Lock()
	for l.depth > 0 && l.owner != o {
		l.cond.Wait()
	}
	l.owner = o
	l.depth++
	l.mu.Unlock()
	return ctx
}

// Unlock releases one level of the lock held by ctx's owner.
func (l *StreamLock) Unlock(ctx context.Context) {
	o := ownerOf(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 || l.owner != o {
		panic("task: unlock of StreamLock not held by this owner")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.cond.Broadcast()
	}
}

// HeldBy reports whether ctx's owner holds the lock.
func (l *StreamLock) HeldBy(ctx context.Context) bool {
	o := ownerOf(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return o != nil && l.depth > 0 && l.owner == o
}
