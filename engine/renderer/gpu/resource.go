package gpu

import (
	"sync/atomic"

	"github.com/spaghettifunk/chronicle/engine/core"
)

// Resource is anything a command buffer can keep alive until its
// submission retires.
type Resource interface {
	Acquire()
	Release()
	RefCount() int32
	Active() bool
}

// refCount starts at one for the creator. onZero destroys the native
// objects exactly once.
type refCount struct {
	count  atomic.Int32
	name   string
	onZero func()
}

func (r *refCount) init(name string, onZero func()) {
	r.name = name
	r.onZero = onZero
	r.count.Store(1)
}

func (r *refCount) Acquire() {
	if r.count.Add(1) <= 1 {
		core.LogError("%s acquired after it was released", r.name)
	}
}

func (r *refCount) Release() {
	n := r.count.Add(-1)
	switch {
	case n == 0:
		r.onZero()
	case n < 0:
		core.LogError("%s released more times than acquired", r.name)
		r.count.Store(0)
	}
}

func (r *refCount) RefCount() int32 {
	return r.count.Load()
}

// Active reports whether anything besides the owner still holds the
// resource, typically a command buffer that has not retired.
func (r *refCount) Active() bool {
	return r.count.Load() > 1
}

func (r *refCount) Name() string {
	return r.name
}
