//go:build linux && (386 || amd64 || arm || arm64)

package trace

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// ptraceThread runs functions on one locked OS thread. After PTRACE_ATTACH
// every ptrace request for the tracee has to come from that thread.
type ptraceThread struct {
	fns  chan func()
	tid  int
	once sync.Once
}

func newPtraceThread() *ptraceThread {
	t := &ptraceThread{fns: make(chan func())}
	ready := make(chan int)
	go t.loop(ready)
	t.tid = <-ready
	return t
}

func (t *ptraceThread) loop(ready chan<- int) {
	// never unlocked: the thread is discarded when the loop returns
	runtime.LockOSThread()
	ready <- unix.Gettid()

	for fn := range t.fns {
		fn()
	}
}

func (t *ptraceThread) do(fn func()) {
	done := make(chan struct{})
	t.fns <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (t *ptraceThread) stop() {
	t.once.Do(func() { close(t.fns) })
}
