// Package rcce manages the shared message-passing-buffer sessions the
// communication library allocates across isles. A session is a
// reference-counted frame range keyed by session id; joiners wait for
// the owner to publish it instead of busy-spinning.
package rcce

import (
	"sync"
	"time"

	"github.com/tinyrange/hermit/internal/mem"
	"github.com/tinyrange/hermit/kerrno"
)

// Join polling parameters: 120 probes, 300 ms apart.
const (
	joinAttempts = 120
	joinInterval = 300 * time.Millisecond
)

// Session is one published MPB mapping.
type Session struct {
	ID   int32
	Addr uint64
	Size uint64

	refs int
}

// Registry tracks the live sessions of one launch. Buffers come from
// the high-bandwidth pool when one exists.
type Registry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[int32]*Session
	pools    *mem.Pools

	// sleep is the probe delay, replaceable by tests.
	sleep func(time.Duration)
}

// NewRegistry builds an empty registry over the frame pools.
func NewRegistry(pools *mem.Pools) *Registry {
	r := &Registry{
		sessions: make(map[int32]*Session),
		pools:    pools,
		sleep:    time.Sleep,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Init publishes a session of the given size, or joins it when it
// already exists. Returns the buffer's physical base.
func (r *Registry) Init(id int32, size uint64) (uint64, kerrno.Errno) {
	if size == 0 {
		return 0, kerrno.EINVAL
	}
	pages := (size + mem.PageMask) >> mem.PageShift

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.refs++
		return s.Addr, 0
	}

	addr := r.pools.GetPages(pages, r.pools.IsHBMemAvailable())
	if addr == 0 {
		return 0, kerrno.ENOMEM
	}
	r.sessions[id] = &Session{ID: id, Addr: addr, Size: pages << mem.PageShift, refs: 1}
	r.cond.Broadcast()
	return addr, 0
}

// Join waits for another isle to publish the session, probing on the
// historical 120x300 ms schedule, and takes a reference on success.
func (r *Registry) Join(id int32) (uint64, kerrno.Errno) {
	for attempt := 0; attempt < joinAttempts; attempt++ {
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			s.refs++
			addr := s.Addr
			r.mu.Unlock()
			return addr, 0
		}
		r.mu.Unlock()
		r.sleep(joinInterval)
	}
	return 0, kerrno.ENODEV
}

// Fini drops a reference; the last one frees the buffer.
func (r *Registry) Fini(id int32) kerrno.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return kerrno.ENODEV
	}
	s.refs--
	if s.refs > 0 {
		return 0
	}
	delete(r.sessions, id)
	r.pools.PutPages(s.Addr, s.Size>>mem.PageShift)
	return 0
}

// Live returns the number of published sessions.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
