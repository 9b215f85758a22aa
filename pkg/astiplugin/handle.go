package astiplugin

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
)

// Reference counted plugin instance. The value is closed when the last reference is released.
type Handle[T any] struct {
	i    Info
	l    astikit.CompleteLogger
	m    sync.Mutex
	refs int32
	v    T
}

func Load[T any](r *Registry, c Category, name string, params astimsg.Dictionary) (*Handle[T], error) {
	// Create
	v, i, err := r.create(c, name, params)
	if err != nil {
		return nil, err
	}

	// Assert
	t, ok := v.(T)
	if !ok {
		if cl, ok := v.(io.Closer); ok {
			cl.Close()
		}
		var zero T
		return nil, fmt.Errorf("astiplugin: %s plugin %s is a %T, expected %T", c, name, v, zero)
	}
	return &Handle[T]{
		i:    i,
		l:    astikit.AdaptStdLogger(r.l),
		refs: 1,
		v:    t,
	}, nil
}

func (h *Handle[T]) Info() Info {
	return h.i
}

func (h *Handle[T]) Value() T {
	return h.v
}

// Locks the plugin instance
func (h *Handle[T]) Lock() {
	h.m.Lock()
}

func (h *Handle[T]) Unlock() {
	h.m.Unlock()
}

func (h *Handle[T]) Ref() *Handle[T] {
	atomic.AddInt32(&h.refs, 1)
	return h
}

func (h *Handle[T]) Refs() int {
	return int(atomic.LoadInt32(&h.refs))
}

func (h *Handle[T]) Release() {
	h.m.Lock()
	defer h.m.Unlock()
	h.ReleaseLocked()
}

// The handle lock must be held by the caller
func (h *Handle[T]) ReleaseLocked() {
	// Decrement
	n := atomic.AddInt32(&h.refs, -1)
	if n > 0 {
		return
	} else if n < 0 {
		h.l.Errorf("astiplugin: bug: %s plugin %s released too many times", h.i.Category, h.i.Name)
		return
	}

	// Close
	if c, ok := any(h.v).(io.Closer); ok {
		if err := c.Close(); err != nil {
			h.l.Warn(fmt.Errorf("astiplugin: closing %s plugin %s failed: %w", h.i.Category, h.i.Name, err))
		}
	}
}
