package queue

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/nvmectl/go-nvmectl/internal/uapi"
	"github.com/stretchr/testify/require"
)

// fakeAllocator and fakeIommu back these tests with real, pinned Go memory
// and an identity vaddr->iova mapping, mirroring the module's root-level
// FakeDevice harness without importing it (importing the root package here
// would cycle back through internal/ctrl).
type fakeAllocator struct {
	mu     sync.Mutex
	pinned map[uintptr][]byte
}

func newFakeAllocator() *fakeAllocator { return &fakeAllocator{pinned: make(map[uintptr][]byte)} }

func (a *fakeAllocator) Alloc(count int, unit int) (uintptr, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, count*unit)
	vaddr := uintptr(unsafe.Pointer(&buf[0]))
	a.pinned[vaddr] = buf
	return vaddr, count * unit, nil
}

func (a *fakeAllocator) Free(vaddr uintptr, length int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pinned, vaddr)
	return nil
}

type fakeIommu struct{}

func (fakeIommu) Map(vaddr uintptr, length int) (uint64, error)          { return uint64(vaddr), nil }
func (fakeIommu) Unmap(vaddr uintptr) error                              { return nil }
func (fakeIommu) MapEphemeral(vaddr uintptr, length int) (uint64, error) { return uint64(vaddr), nil }
func (fakeIommu) FreeEphemeral(count int) error                          { return nil }

type fakeMmio struct {
	lastDoorbell uint32
	writes       []uint32
}

func (m *fakeMmio) Read32(offset uintptr) uint32 { return 0 }
func (m *fakeMmio) Read64(offset uintptr) uint64 { return 0 }
func (m *fakeMmio) Write32(offset uintptr, value uint32) {
	m.lastDoorbell = value
	m.writes = append(m.writes, value)
}
func (m *fakeMmio) Write64(offset uintptr, value uint64)   {}
func (m *fakeMmio) WriteHL64(offset uintptr, value uint64) {}

// putCQEAt writes a CQE directly into a CQ's ring, simulating a device
// posting a completion, without going through Exec/doorbell machinery.
func putCQEAt(cq *CompletionQueue, idx int, cqe uapi.CQE) {
	raw := cq.buf.Bytes()
	off := idx * uapi.SizeCQE
	uapi.PutCQE(raw[off:off+uapi.SizeCQE], &cqe)
}

// S4 — pool exhaustion: an admin SQ of qsize=2 has exactly one usable
// Request Context. Acquiring a second before the first is released must
// fail.
func TestAcquireExhaustion(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 2, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, 2, 0, cq)
	require.NoError(t, err)

	require.Equal(t, 1, sq.FreeCount())

	rq, err := sq.Acquire()
	require.NoError(t, err)
	require.NotNil(t, rq)
	require.Equal(t, 0, sq.FreeCount())

	_, err = sq.Acquire()
	require.ErrorIs(t, err, errBusy)

	sq.Release(rq)
	require.Equal(t, 1, sq.FreeCount())
}

// Ring accounting: every Acquire must be matched by exactly one Release
// to return the pool to full capacity.
func TestAcquireReleaseRoundTrip(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 8, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, 8, 0, cq)
	require.NoError(t, err)

	full := sq.FreeCount()
	require.Equal(t, 7, full)

	var acquired []*RequestContext
	for i := 0; i < full; i++ {
		rq, err := sq.Acquire()
		require.NoError(t, err)
		acquired = append(acquired, rq)
	}
	require.Equal(t, 0, sq.FreeCount())

	for _, rq := range acquired {
		sq.Release(rq)
	}
	require.Equal(t, full, sq.FreeCount())
}

// Configure/Discard idempotence: Discard is a no-op on an
// already-discarded or never-configured queue.
func TestDiscardIdempotence(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 4, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, 4, 0, cq)
	require.NoError(t, err)

	require.NoError(t, sq.Discard())
	require.NoError(t, sq.Discard())
	require.NoError(t, cq.Discard())
	require.NoError(t, cq.Discard())

	var nilSQ *SubmissionQueue
	var nilCQ *CompletionQueue
	require.NoError(t, nilSQ.Discard())
	require.NoError(t, nilCQ.Discard())
}

// Phase monotonicity: Poll only returns a CQE once its phase bit
// matches, and Advance toggles phase exactly at wraparound.
func TestCQPhaseMonotonicity(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 2, 0)
	require.NoError(t, err)

	_, ok := cq.Poll()
	require.False(t, ok, "no CQE has been posted yet")

	putCQEAt(cq, 0, uapi.CQE{CommandID: 7, Status: 1})

	got, ok := cq.Poll()
	require.True(t, ok)
	require.Equal(t, uint16(7), got.CommandID)

	require.True(t, cq.Phase())
	cq.Advance()
	require.True(t, cq.Phase(), "phase only toggles at wraparound (qsize=2, head 0->1)")

	putCQEAt(cq, 1, uapi.CQE{CommandID: 8, Status: 1})
	got, ok = cq.Poll()
	require.True(t, ok)
	require.Equal(t, uint16(8), got.CommandID)

	cq.Advance()
	require.False(t, cq.Phase(), "phase toggles on wraparound back to head 0")
}

// Within one ring pass, tail doorbell writes are strictly increasing until
// the wrap back to zero.
func TestSQDoorbellMonotonicPerPass(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 4, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, 4, 0, cq)
	require.NoError(t, err)

	rq, err := sq.Acquire()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		sq.Exec(rq, uapi.SQE{Opcode: uapi.OpIdentify})
	}

	require.Equal(t, []uint32{1, 2, 3, 0}, mmio.writes)
}

// Exec must overwrite the caller-supplied command id with the Request
// Context's own, so identifiers never collide across callers.
func TestExecOverwritesCommandID(t *testing.T) {
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, 4, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, 4, 0, cq)
	require.NoError(t, err)

	rq, err := sq.Acquire()
	require.NoError(t, err)

	sq.Exec(rq, uapi.SQE{Opcode: uapi.OpIdentify, CommandID: 0x7777})

	raw := sq.ring.Bytes()
	got := uapi.GetSQE(raw[:uapi.SizeSQE])
	require.Equal(t, rq.CID, got.CommandID)

	sq.ExecAER(rq, uapi.SQE{Opcode: uapi.OpAsyncEventRequest})
	got = uapi.GetSQE(raw[uapi.SizeSQE : 2*uapi.SizeSQE])
	require.Equal(t, uapi.WithAERFlag(rq.CID), got.CommandID)
}
