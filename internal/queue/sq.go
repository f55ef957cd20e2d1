package queue

import (
	"sync"

	"github.com/nvmectl/go-nvmectl/internal/dma"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// SubmissionQueue is a ring of SQEs paired with a per-slot scratch buffer
// and a Request Pool.
type SubmissionQueue struct {
	mu sync.Mutex

	ID    uint16
	QSize uint16

	ring    *dma.Buffer
	scratch *dma.Buffer

	mmio        interfaces.Mmio
	doorbellOff uintptr

	CQ *CompletionQueue

	pool requestPool
	tail uint16
}

type sqScratch struct{ buf *dma.Buffer }

func (s sqScratch) vaddr(idx int) uintptr { return s.buf.PagePointer(idx, pageSize) }
func (s sqScratch) iova(idx int) uint64   { return s.buf.PageIOVA(idx, pageSize) }

// ConfigureSQ allocates the SQE ring and per-slot scratch pages, builds the
// Request Pool, and binds the tail doorbell.
func ConfigureSQ(alloc interfaces.PageAllocator, iommu interfaces.IommuMapper, mmio interfaces.Mmio, doorbellOff uintptr, qid uint16, qsize uint16, nsqa uint16, cq *CompletionQueue) (*SubmissionQueue, error) {
	if qid > nsqa || qsize < 2 {
		return nil, errInvalidQueueConfig
	}

	ringBytes := int(qsize) * uapi.SizeSQE
	ringPages := (ringBytes + pageSize - 1) / pageSize
	if ringPages < 1 {
		ringPages = 1
	}
	ring, err := dma.Configure(alloc, iommu, ringPages, pageSize)
	if err != nil {
		return nil, err
	}

	scratch, err := dma.Configure(alloc, iommu, int(qsize), pageSize)
	if err != nil {
		_ = ring.Discard()
		return nil, err
	}

	sq := &SubmissionQueue{
		ID:          qid,
		QSize:       qsize,
		ring:        ring,
		scratch:     scratch,
		mmio:        mmio,
		doorbellOff: doorbellOff,
		CQ:          cq,
	}
	sq.pool = newRequestPool(sq, qsize, sqScratch{buf: scratch})
	return sq, nil
}

// Discard reverses Configure: unmaps both DMA regions and zeros the
// descriptor.
func (sq *SubmissionQueue) Discard() error {
	if sq == nil || sq.ring == nil {
		return nil
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if err := sq.ring.Discard(); err != nil {
		return err
	}
	if err := sq.scratch.Discard(); err != nil {
		return err
	}
	sq.ring = nil
	sq.scratch = nil
	sq.ID = 0
	sq.QSize = 0
	sq.mmio = nil
	sq.doorbellOff = 0
	sq.CQ = nil
	sq.pool = requestPool{}
	sq.tail = 0
	return nil
}

// Acquire pops a free Request Context, or returns errBusy when the pool is
// exhausted.
func (sq *SubmissionQueue) Acquire() (*RequestContext, error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	rq := sq.pool.acquire()
	if rq == nil {
		return nil, errBusy
	}
	return rq, nil
}

// Release returns a Request Context to the free list.
func (sq *SubmissionQueue) Release(rq *RequestContext) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.pool.release(rq)
}

// FreeCount reports the number of available Request Contexts, used to
// verify ring accounting.
func (sq *SubmissionQueue) FreeCount() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.pool.freeCount()
}

// Exec overwrites sqe's command id with rq's,
// copies it into the ring slot at tail, advances tail modulo qsize, and
// rings the SQ tail doorbell release-ordered with respect to the copy.
func (sq *SubmissionQueue) Exec(rq *RequestContext, sqe uapi.SQE) {
	sq.exec(rq, sqe, false)
}

// ExecAER is Exec with the AER flag bit set in the command id, used when
// arming an Asynchronous Event Request.
func (sq *SubmissionQueue) ExecAER(rq *RequestContext, sqe uapi.SQE) {
	sq.exec(rq, sqe, true)
}

func (sq *SubmissionQueue) exec(rq *RequestContext, sqe uapi.SQE, aer bool) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	cid := rq.CID
	if aer {
		cid = uapi.WithAERFlag(cid)
	}
	sqe.CommandID = cid

	raw := sq.ring.Bytes()
	off := int(sq.tail) * uapi.SizeSQE
	uapi.PutSQE(raw[off:off+uapi.SizeSQE], &sqe)

	sq.tail++
	if sq.tail == sq.QSize {
		sq.tail = 0
	}

	Sfence()
	sq.mmio.Write32(sq.doorbellOff, uint32(sq.tail))
}

// Tail returns the SQ's current tail index, for diagnostics and tests.
func (sq *SubmissionQueue) Tail() uint16 { return sq.tail }

// RingIOVA returns the IOVA of the SQE ring's base page, programmed into
// ASQ at admin-queue configuration time.
func (sq *SubmissionQueue) RingIOVA() uint64 { return sq.ring.IOVA }

// ContextByIndex returns the Request Context at pool index idx, used to
// recover the context an AER completion's command id refers to.
func (sq *SubmissionQueue) ContextByIndex(idx uint16) *RequestContext {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return &sq.pool.slots[idx]
}

// ScratchBytes returns a []byte view of the scratch page belonging to rq,
// for PRP list construction.
func (sq *SubmissionQueue) ScratchBytes(rq *RequestContext, idx int) []byte {
	raw := sq.scratch.Bytes()
	off := idx * pageSize
	return raw[off : off+pageSize]
}
