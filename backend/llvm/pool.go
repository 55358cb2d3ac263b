package llvm

import (
	"runtime"

	"github.com/arrayjit/enoki/types/xsync"
)

// pool bounds CPU kernel-launch concurrency, generalizing
// internal/workerspool.Pool's soft-limited goroutine pool (dynamic
// resize, run-and-forget submission) onto compiled-kernel launch
// closures instead of graph-execution tasks. Reworked on top of
// types/xsync.Semaphore's dynamically-resizable acquire/release
// instead of reimplementing the same sync.Cond bookkeeping locally.
type pool struct {
	sem *xsync.Semaphore
}

func newPool() *pool {
	return &pool{sem: xsync.NewSemaphore(runtime.NumCPU())}
}

// run submits task and blocks the caller only long enough to acquire a
// free slot; the task itself runs asynchronously.
func (p *pool) run(task func()) {
	p.sem.Acquire()
	go func() {
		defer p.sem.Release()
		task()
	}()
}
