package vulkan

import (
	"sync"
	"sync/atomic"
)

// handleCounter is shared by every table so a handle value is never
// reused across object kinds.
var handleCounter atomic.Uint64

// handleTable maps the opaque driver handles the core sees to native
// objects. Zero is never issued.
type handleTable[T any] struct {
	mu      sync.RWMutex
	objects map[uint64]T
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{objects: make(map[uint64]T)}
}

func (t *handleTable[T]) add(obj T) uint64 {
	h := handleCounter.Add(1)
	t.mu.Lock()
	t.objects[h] = obj
	t.mu.Unlock()
	return h
}

func (t *handleTable[T]) get(h uint64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objects[h]
	return obj, ok
}

// remove drops the handle and returns the object it referred to.
func (t *handleTable[T]) remove(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	if ok {
		delete(t.objects, h)
	}
	return obj, ok
}

// removeWhere drops every object matching fn.
func (t *handleTable[T]) removeWhere(fn func(T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, obj := range t.objects {
		if fn(obj) {
			delete(t.objects, h)
		}
	}
}

func (t *handleTable[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// drain empties the table, handing every object to fn.
func (t *handleTable[T]) drain(fn func(T)) {
	t.mu.Lock()
	objects := t.objects
	t.objects = make(map[uint64]T)
	t.mu.Unlock()
	for _, obj := range objects {
		fn(obj)
	}
}
