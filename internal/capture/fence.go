package capture

import "sync"

// fence is a one-shot signal between two goroutines: exactly one role fires
// it, exactly one role waits on it. Fences belong to a single worker, so a
// fresh worker starts with both fences down.
type fence struct {
	once sync.Once
	ch   chan struct{}
}

func newFence() *fence {
	return &fence{ch: make(chan struct{})}
}

// fire raises the fence. Subsequent calls are no-ops.
func (f *fence) fire() {
	f.once.Do(func() { close(f.ch) })
}

// wait blocks until the fence has been fired.
func (f *fence) wait() {
	<-f.ch
}

// fired reports whether the fence has been raised without blocking.
func (f *fence) fired() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}
