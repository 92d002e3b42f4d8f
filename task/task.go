package task

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle state of a Task.
type State int

const (
	// Stopped tasks have no goroutine, or one that is exiting.
	Stopped State = iota
	// Started tasks call their function in a loop.
	Started
	// Paused tasks keep their goroutine parked until started or stopped.
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Started:
		return "started"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Func is one iteration of a task. It runs with the task's StreamLock held
// and receives the owning context.
type Func func(ctx context.Context)

// Task calls Func repeatedly on its own goroutine. State changes take
// effect between iterations; an iteration in progress always completes.
type Task struct {
	name string
	lock *StreamLock
	fn   Func
	ctx  context.Context

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	running bool
	done    chan struct{}
}

// New creates a stopped task. Every iteration holds lock.
func New(name string, lock *StreamLock, fn Func) *Task {
	t := &Task{
		name: name,
		lock: lock,
		fn:   fn,
		ctx:  WithOwner(context.Background(), name),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Context returns the context the task's goroutine holds its lock with.
func (t *Task) Context() context.Context {
	return t.ctx
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start runs the task, spawning its goroutine if needed.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Started
	if !t.running {
		t.running = true
		t.done = make(chan struct{})
		go t.run(t.done)
	}
	t.cond.Broadcast()
}

// Pause parks the goroutine after the current iteration. A task that is
// stopping stays stopped: Stop always wins over a later Pause.
func (t *Task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		if t.running {
			return
		}
		// A paused task keeps a parked goroutine so Start resumes quickly.
		t.running = true
		t.done = make(chan struct{})
		go t.run(t.done)
	}
	t.state = Paused
	t.cond.Broadcast()
}

// Stop makes the goroutine exit after the current iteration.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Stopped
	t.cond.Broadcast()
}

// Join waits for the goroutine to exit. Calling Join from inside the task
// (ctx owned by the task) returns immediately.
func (t *Task) Join(ctx context.Context) {
	if ctx != nil && ownerOf(ctx) == ownerOf(t.ctx) {
		return
	}
	t.mu.Lock()
	done := t.done
	running := t.running
	t.mu.Unlock()
	if running && done != nil {
		<-done
	}
}

func (t *Task) run(done chan struct{}) {
	defer close(done)
	for {
		t.mu.Lock()
		for t.state == Paused {
			t.cond.Wait()
		}
		if t.state == Stopped {
			t.running = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx := t.lock.Lock(t.ctx)
		if t.State() == Started {
			t.fn(ctx)
		}
		t.lock.Unlock(ctx)
	}
}
