package clstream

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
)

// dustPool is a bounded freelist of small fixed-size device buffers used for
// short-lived reduction scratch and results.
//
// The population is constant after initialization: get blocks until a buffer
// is free, put never blocks and never rejects because the channel capacity
// equals the number of buffers ever in circulation. Once its commands are
// enqueued, a buffer is returned only from the completion callback of the
// last event that uses it; a checkout whose enqueue fails returns its
// buffers at once.
type dustPool struct {
	api     cl.API
	sid     string
	size    uint64
	buffers chan cl.Mem

	// pairMu serializes multi-buffer checkouts. Without it, enough
	// concurrent two-buffer consumers can each hold one buffer and starve
	// each other waiting for the second.
	pairMu sync.Mutex
}

// newDustPool creates count buffers of size bytes. On a failed allocation
// the buffers already created are released before the error is surfaced.
func newDustPool(api cl.API, sid string, ctx cl.Context, count int, size uint64) (*dustPool, error) {
	p := &dustPool{
		api:     api,
		sid:     sid,
		size:    size,
		buffers: make(chan cl.Mem, count),
	}
	for i := 0; i < count; i++ {
		m, err := api.CreateBuffer(ctx, cl.MemReadWrite, size)
		if err != nil {
			p.close()
			return nil, errors.WithMessagef(err, "failed to allocate dust buffer %d of %d", i+1, count)
		}
		p.buffers <- m
	}
	return p, nil
}

// get dequeues a buffer, blocking while the pool is empty. Starvation is
// transient: the pool is sized so every checkout is short-lived.
func (p *dustPool) get() cl.Mem {
	return <-p.buffers
}

// getPair dequeues two buffers as one checkout, blocking while the pool is
// short.
func (p *dustPool) getPair() (cl.Mem, cl.Mem) {
	p.pairMu.Lock()
	defer p.pairMu.Unlock()
	return <-p.buffers, <-p.buffers
}

// put returns a buffer to the pool. Never blocks.
func (p *dustPool) put(m cl.Mem) {
	p.buffers <- m
}

// len returns the number of buffers currently in the pool.
func (p *dustPool) len() int {
	return len(p.buffers)
}

// close releases every buffer currently in the pool. Callers must first
// ensure no checkout is outstanding (the session drains the queue before
// teardown, which runs all completion callbacks).
func (p *dustPool) close() {
	for {
		select {
		case m := <-p.buffers:
			if err := p.api.ReleaseMemObject(m); err != nil {
				klog.Errorf("clstream session %s: dust buffer release failed: %v", p.sid, err)
			}
		default:
			return
		}
	}
}
