package queue

// RequestContext tracks one in-flight command slot: its command id, its
// dedicated scratch page, and an opaque user pointer the caller can use
// (e.g. to stash an AER handler).
type RequestContext struct {
	CID          uint16
	ScratchVaddr uintptr
	ScratchIOVA  uint64
	User         interface{}
	sq           *SubmissionQueue
	next         *RequestContext
}

// SQ returns the Submission Queue this context belongs to.
func (rq *RequestContext) SQ() *SubmissionQueue { return rq.sq }

// requestPool is a fixed-size slab of qsize-1 Request Contexts threaded
// into a singly-linked LIFO free list.
type requestPool struct {
	slots []RequestContext
	free  *RequestContext
}

func newRequestPool(sq *SubmissionQueue, qsize uint16, scratch scratchPages) requestPool {
	n := int(qsize) - 1
	slots := make([]RequestContext, n)
	for i := 0; i < n; i++ {
		slots[i] = RequestContext{
			CID:          uint16(i),
			ScratchVaddr: scratch.vaddr(i),
			ScratchIOVA:  scratch.iova(i),
			sq:           sq,
		}
	}
	// Free-list head is rqs[qsize-2] (index n-1), tail is rqs[0], so
	// acquire pops the highest index first.
	for i := n - 1; i > 0; i-- {
		slots[i].next = &slots[i-1]
	}
	var head *RequestContext
	if n > 0 {
		head = &slots[n-1]
	}
	return requestPool{slots: slots, free: head}
}

// acquire pops the free-list head, or returns nil when the pool is empty.
func (p *requestPool) acquire() *RequestContext {
	if p.free == nil {
		return nil
	}
	rq := p.free
	p.free = rq.next
	rq.next = nil
	return rq
}

// release pushes rq back onto the free-list head.
func (p *requestPool) release(rq *RequestContext) {
	rq.next = p.free
	p.free = rq
}

// freeCount returns the number of Request Contexts currently on the free
// list.
func (p *requestPool) freeCount() int {
	n := 0
	for rq := p.free; rq != nil; rq = rq.next {
		n++
	}
	return n
}

// scratchPages abstracts the per-slot scratch DMA buffer so the pool
// doesn't need to know about dma.Buffer directly.
type scratchPages interface {
	vaddr(idx int) uintptr
	iova(idx int) uint64
}
