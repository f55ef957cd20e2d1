package nvmectl

import (
	"sync"
	"unsafe"

	"github.com/nvmectl/go-nvmectl/internal/memregion"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// MockPciDevice is a PciDevice collaborator backed by a single in-process
// register window. MapBAR returns the requested offset itself as the
// "virtual address" (an opaque convention the paired Mmio collaborator
// shares), rather than a real process pointer.
type MockPciDevice struct {
	mu         sync.Mutex
	classCode  uint32
	OpenCalls  int
	CloseCalls int
	nextHandle int
	closed     map[int]bool
}

// NewMockPciDevice constructs a MockPciDevice reporting classCode for every
// bdf.
func NewMockPciDevice(classCode uint32) *MockPciDevice {
	return &MockPciDevice{classCode: classCode, closed: make(map[int]bool)}
}

func (m *MockPciDevice) Open(bdf string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	m.nextHandle++
	return m.nextHandle, nil
}

func (m *MockPciDevice) MapBAR(handle int, barIndex int, length int, offset int64, prot int) (uintptr, error) {
	return uintptr(offset), nil
}

func (m *MockPciDevice) UnmapBAR(handle int, barIndex int, vaddr uintptr, length int, offset int64) error {
	return nil
}

func (m *MockPciDevice) ClassCode(bdf string) (uint32, error) { return m.classCode, nil }

func (m *MockPciDevice) Close(handle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed[handle] = true
	return nil
}

// MockPageAllocator backs allocations with real, pinned Go byte slices so
// that the returned vaddr is safe for the DMA buffer layer's unsafe.Slice
// dereference (internal/dma.Buffer.Bytes()).
type MockPageAllocator struct {
	mu         sync.Mutex
	pinned     map[uintptr][]byte
	AllocCount int
	FreeCount  int
}

func NewMockPageAllocator() *MockPageAllocator {
	return &MockPageAllocator{pinned: make(map[uintptr][]byte)}
}

func (a *MockPageAllocator) Alloc(count int, unit int) (uintptr, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	length := count * unit
	buf := make([]byte, length)
	vaddr := uintptr(unsafe.Pointer(&buf[0]))
	a.pinned[vaddr] = buf
	a.AllocCount++
	return vaddr, length, nil
}

func (a *MockPageAllocator) Free(vaddr uintptr, length int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pinned[vaddr]; !ok {
		return NewError("Free", ErrCodeInvalidArgument, "vaddr was never allocated")
	}
	delete(a.pinned, vaddr)
	a.FreeCount++
	return nil
}

// MockIommuMapper is an identity mapper (iova == vaddr) so a FakeDevice can
// dereference a command's PRP fields directly. Outstanding tracks the net
// mapping count for the LIFO-stack invariant.
type MockIommuMapper struct {
	mu          sync.Mutex
	Outstanding int
	ephemeral   []uint64
}

func NewMockIommuMapper() *MockIommuMapper { return &MockIommuMapper{} }

func (m *MockIommuMapper) Map(vaddr uintptr, length int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outstanding++
	return uint64(vaddr), nil
}

func (m *MockIommuMapper) Unmap(vaddr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outstanding--
	return nil
}

func (m *MockIommuMapper) MapEphemeral(vaddr uintptr, length int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outstanding++
	iova := uint64(vaddr)
	m.ephemeral = append(m.ephemeral, iova)
	return iova, nil
}

func (m *MockIommuMapper) FreeEphemeral(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count > len(m.ephemeral) {
		return NewError("FreeEphemeral", ErrCodeInvalidArgument, "count exceeds outstanding ephemeral mappings")
	}
	m.ephemeral = m.ephemeral[:len(m.ephemeral)-count]
	m.Outstanding -= count
	return nil
}

// FakeDevice is an in-memory stand-in for real NVMe hardware: it mirrors
// CC/CSTS register transitions and produces completions when a submission
// queue's tail doorbell advances, enough to drive the lifecycle and
// round-trip tests. It embeds *memregion.Region for its register storage (Region's
// offset parameter is a plain slice index, matching MockPciDevice.MapBAR's
// offset-as-vaddr convention) and overrides the writes it needs to react
// to.
type FakeDevice struct {
	*memregion.Region

	mu sync.Mutex

	doorbellStride uint32
	autoReady      bool

	sqTail  map[uint16]uint16
	sqIOVA  map[uint16]uint64
	sqQSize map[uint16]uint16
	cqIOVA  map[uint16]uint64
	cqQSize map[uint16]uint16
	cqTail  map[uint16]uint16
	cqPhase map[uint16]bool

	armed    bool
	armedCID uint16

	scriptedPending bool
	scriptedDW0     uint32

	identifyContent      []byte
	nackCreateIOSQStatus uint16
	reportedNSQR         uint16
	reportedNCQR         uint16
}

// NewFakeDevice constructs a FakeDevice with regionSize bytes of register
// space (covering both the register and doorbell windows) and the given
// doorbell stride.
func NewFakeDevice(regionSize int, doorbellStride uint32) *FakeDevice {
	return &FakeDevice{
		Region:         memregion.New(regionSize),
		doorbellStride: doorbellStride,
		autoReady:      true,
		sqTail:         make(map[uint16]uint16),
		sqIOVA:         make(map[uint16]uint64),
		sqQSize:        make(map[uint16]uint16),
		cqIOVA:         make(map[uint16]uint64),
		cqQSize:        make(map[uint16]uint16),
		cqTail:         make(map[uint16]uint16),
		cqPhase:        make(map[uint16]bool),
		reportedNSQR:   3,
		reportedNCQR:   3,
	}
}

// SetCAP writes the Controller Capabilities register a caller must program
// before Open reads it.
func (d *FakeDevice) SetCAP(cap uapi.CAP) { d.Region.Write64(uapi.RegCAP, uint64(cap)) }

// SetAutoReady controls whether writing CC.EN=1 flips CSTS.RDY. false
// simulates a device that never becomes ready.
func (d *FakeDevice) SetAutoReady(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoReady = v
}

// SetIdentifyContent configures the bytes copied into an Identify
// command's data buffer.
func (d *FakeDevice) SetIdentifyContent(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identifyContent = b
}

// SetNackCreateIOSQ configures Create I/O SQ to fail with the given status
// code.
func (d *FakeDevice) SetNackCreateIOSQ(status uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nackCreateIOSQStatus = status
}

// SetReportedQueueCounts configures the zero-based queue counts returned by
// Set Features (Number of Queues).
func (d *FakeDevice) SetReportedQueueCounts(nsqr, ncqr uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reportedNSQR, d.reportedNCQR = nsqr, ncqr
}

// ArmAsyncEvent schedules dw0 to be delivered as an AER completion the next
// time any command is processed on the queue holding the outstanding
// Asynchronous Event Request.
func (d *FakeDevice) ArmAsyncEvent(dw0 uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scriptedDW0 = dw0
	d.scriptedPending = true
}

func (d *FakeDevice) Write32(offset uintptr, value uint32) {
	d.Region.Write32(offset, value)
	switch {
	case offset == uapi.RegCC:
		d.handleCC(value)
	case offset == uapi.RegAQA:
		d.mu.Lock()
		d.sqQSize[0] = uint16(value&0xFFFF) + 1
		d.cqQSize[0] = uint16((value>>16)&0xFFFF) + 1
		d.mu.Unlock()
	case offset >= uapi.DoorbellWindowOffset:
		d.handleDoorbell(offset, value)
	}
}

func (d *FakeDevice) WriteHL64(offset uintptr, value uint64) {
	d.Region.WriteHL64(offset, value)
	d.captureAdminRing(offset, value)
}

func (d *FakeDevice) Write64(offset uintptr, value uint64) {
	d.Region.Write64(offset, value)
	d.captureAdminRing(offset, value)
}

func (d *FakeDevice) captureAdminRing(offset uintptr, value uint64) {
	switch offset {
	case uapi.RegASQ:
		d.mu.Lock()
		d.sqIOVA[0] = value
		d.mu.Unlock()
	case uapi.RegACQ:
		d.mu.Lock()
		d.cqIOVA[0] = value
		d.mu.Unlock()
	}
}

func (d *FakeDevice) handleCC(cc uint32) {
	enabled := uapi.CCEnabled(cc)
	d.mu.Lock()
	ready := d.autoReady
	if !enabled {
		// Clearing EN resets the device-side queue state: ring positions,
		// phase tracking, and any armed event request.
		d.sqTail = make(map[uint16]uint16)
		d.cqTail = make(map[uint16]uint16)
		d.cqPhase = make(map[uint16]bool)
		d.armed = false
	}
	d.mu.Unlock()

	csts := d.Region.Read32(uapi.RegCSTS)
	if enabled && ready {
		d.Region.Write32(uapi.RegCSTS, csts|1)
	} else if !enabled {
		d.Region.Write32(uapi.RegCSTS, csts&^uint32(1))
	}
}

func (d *FakeDevice) handleDoorbell(offset uintptr, value uint32) {
	if d.doorbellStride == 0 {
		return
	}
	rel := uint32(offset) - uapi.DoorbellWindowOffset
	pairOff := rel / d.doorbellStride
	if pairOff%2 != 0 {
		return // CQ head doorbell, nothing to simulate
	}
	qid := uint16(pairOff / 2)

	d.mu.Lock()
	last := d.sqTail[qid]
	qsize := d.sqQSize[qid]
	ringIOVA := d.sqIOVA[qid]
	d.mu.Unlock()

	if qsize == 0 {
		return
	}

	newTail := uint16(value)
	for idx := last; idx != newTail; idx = (idx + 1) % qsize {
		sqe := readSQE(ringIOVA, int(idx))
		d.process(qid, sqe)
	}

	d.mu.Lock()
	d.sqTail[qid] = newTail
	d.mu.Unlock()
}

func readSQE(ringIOVA uint64, idx int) uapi.SQE {
	base := uintptr(ringIOVA) + uintptr(idx*uapi.SizeSQE)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(base)), uapi.SizeSQE)
	return uapi.GetSQE(raw)
}

func (d *FakeDevice) process(qid uint16, sqe uapi.SQE) {
	// Async events only ever complete on the admin queue.
	if qid == 0 {
		d.flushPendingEvent(qid)
	}

	switch sqe.Opcode {
	case uapi.OpAsyncEventRequest:
		d.mu.Lock()
		d.armed = true
		d.armedCID = sqe.CommandID
		d.mu.Unlock()

	case uapi.OpSetFeatures:
		d.mu.Lock()
		nsqr, ncqr := d.reportedNSQR, d.reportedNCQR
		d.mu.Unlock()
		dw0 := uint32(nsqr) | (uint32(ncqr) << 16)
		d.postCQE(qid, uapi.CQE{DW0: dw0, CommandID: sqe.CommandID})

	case uapi.OpIdentify:
		d.mu.Lock()
		content := d.identifyContent
		d.mu.Unlock()
		if content != nil && sqe.PRP1 != 0 {
			dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(sqe.PRP1))), len(content))
			copy(dst, content)
		}
		d.postCQE(qid, uapi.CQE{CommandID: sqe.CommandID})

	case uapi.OpCreateIOCQ:
		qidCreated := uint16(sqe.CDW10 & 0xFFFF)
		qsize := uint16(sqe.CDW10>>16) + 1
		d.mu.Lock()
		d.cqIOVA[qidCreated] = sqe.PRP1
		d.cqQSize[qidCreated] = qsize
		d.mu.Unlock()
		d.postCQE(qid, uapi.CQE{CommandID: sqe.CommandID})

	case uapi.OpCreateIOSQ:
		qidCreated := uint16(sqe.CDW10 & 0xFFFF)
		d.mu.Lock()
		status := d.nackCreateIOSQStatus
		d.mu.Unlock()
		if status != 0 {
			d.postCQE(qid, uapi.CQE{CommandID: sqe.CommandID, Status: status << 1})
			return
		}
		qsize := uint16(sqe.CDW10>>16) + 1
		d.mu.Lock()
		d.sqIOVA[qidCreated] = sqe.PRP1
		d.sqQSize[qidCreated] = qsize
		d.mu.Unlock()
		d.postCQE(qid, uapi.CQE{CommandID: sqe.CommandID})

	default:
		d.postCQE(qid, uapi.CQE{CommandID: sqe.CommandID})
	}
}

func (d *FakeDevice) flushPendingEvent(qid uint16) {
	d.mu.Lock()
	if !d.armed || !d.scriptedPending {
		d.mu.Unlock()
		return
	}
	cid := uapi.WithAERFlag(d.armedCID)
	dw0 := d.scriptedDW0
	d.scriptedPending = false
	d.armed = false
	d.mu.Unlock()

	d.postCQE(qid, uapi.CQE{DW0: dw0, CommandID: cid})
}

func (d *FakeDevice) postCQE(qid uint16, cqe uapi.CQE) {
	d.mu.Lock()
	ringIOVA := d.cqIOVA[qid]
	qsize := d.cqQSize[qid]
	tail := d.cqTail[qid]
	phase, ok := d.cqPhase[qid]
	if !ok {
		phase = true
	}

	cqe.Status |= phaseBit(phase)
	base := uintptr(ringIOVA) + uintptr(int(tail)*uapi.SizeCQE)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(base)), uapi.SizeCQE)
	uapi.PutCQE(raw, &cqe)

	tail++
	if tail == qsize {
		tail = 0
		phase = !phase
	}
	d.cqTail[qid] = tail
	d.cqPhase[qid] = phase
	d.mu.Unlock()
}

func phaseBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
