package queue

import (
	"sync"

	"github.com/nvmectl/go-nvmectl/internal/dma"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// CompletionQueue is a ring of CQEs the device posts command results into.
type CompletionQueue struct {
	mu sync.Mutex

	ID    uint16
	QSize uint16

	buf *dma.Buffer

	mmio        interfaces.Mmio
	doorbellOff uintptr

	head  uint16
	phase bool
}

// ConfigureCQ allocates the CQE ring and binds its doorbell.
func ConfigureCQ(alloc interfaces.PageAllocator, iommu interfaces.IommuMapper, mmio interfaces.Mmio, doorbellOff uintptr, qid uint16, qsize uint16, ncqa uint16) (*CompletionQueue, error) {
	if qid > ncqa || qsize < 2 {
		return nil, errInvalidQueueConfig
	}

	byteLen := int(qsize) * uapi.SizeCQE
	pages := (byteLen + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}

	buf, err := dma.Configure(alloc, iommu, pages, pageSize)
	if err != nil {
		return nil, err
	}

	return &CompletionQueue{
		ID:          qid,
		QSize:       qsize,
		buf:         buf,
		mmio:        mmio,
		doorbellOff: doorbellOff,
		head:        0,
		phase:       true,
	}, nil
}

// Discard releases the CQ's DMA buffer and zeroes the descriptor. It is a
// no-op on a never-configured or already-discarded queue.
func (c *CompletionQueue) Discard() error {
	if c == nil || c.buf == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.buf.Discard(); err != nil {
		return err
	}
	c.buf = nil
	c.ID = 0
	c.QSize = 0
	c.mmio = nil
	c.doorbellOff = 0
	c.head = 0
	c.phase = false
	return nil
}

// entry reads the CQE currently at ring index idx.
func (c *CompletionQueue) entry(idx uint16) uapi.CQE {
	raw := c.buf.Bytes()
	off := int(idx) * uapi.SizeCQE
	return uapi.GetCQE(raw[off : off+uapi.SizeCQE])
}

// Poll returns the next valid CQE (one whose phase bit matches the CQ's
// expected phase) without advancing head, or ok=false if none is ready.
func (c *CompletionQueue) Poll() (cqe uapi.CQE, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(c.head)
	Mfence()
	if e.Phase() != c.phase {
		return uapi.CQE{}, false
	}
	return e, true
}

// Advance consumes the CQE last returned by Poll: advances head modulo
// qsize, toggling phase at wrap, and rings the CQ head doorbell.
func (c *CompletionQueue) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head++
	if c.head == c.QSize {
		c.head = 0
		c.phase = !c.phase
	}

	Sfence()
	c.mmio.Write32(c.doorbellOff, uint32(c.head))
}

// Head returns the CQ's current head index, for diagnostics and tests.
func (c *CompletionQueue) Head() uint16 { return c.head }

// Phase returns the CQ's current expected phase bit.
func (c *CompletionQueue) Phase() bool { return c.phase }

// RingIOVA returns the IOVA of the CQE ring's base page, programmed into
// ACQ at admin-queue configuration time.
func (c *CompletionQueue) RingIOVA() uint64 { return c.buf.IOVA }
