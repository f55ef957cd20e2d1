package nvmectl

import (
	"testing"
	"time"

	"github.com/nvmectl/go-nvmectl/internal/uapi"
	"github.com/stretchr/testify/require"
)

const testBDF = "0000:01:00.0"
const nvmeClassCode = 0x010802

func newTestController(t *testing.T, cap uapi.CAP, opts Options) (*FakeDevice, *MockIommuMapper, *Controller) {
	t.Helper()
	stride := uapi.DoorbellStride(cap.DSTRD())
	dev := NewFakeDevice(0x4000, stride)
	dev.SetCAP(cap)
	dev.SetReportedQueueCounts(3, 3)

	pci := NewMockPciDevice(nvmeClassCode)
	iommu := NewMockIommuMapper()
	alloc := NewMockPageAllocator()

	ctl := New(pci, iommu, alloc, dev, opts)
	return dev, iommu, ctl
}

// S1 — bring-up.
func TestBringUp(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, Options{NumSubmissionQueuesRequested: 4, NumCompletionQueuesRequested: 4})

	require.NoError(t, ctl.Open(testBDF))
	require.Equal(t, StateRunning, ctl.State())
	require.EqualValues(t, 3, ctl.NumSubmissionQueues())
	require.EqualValues(t, 3, ctl.NumCompletionQueues())

	cc := dev.Read32(uapi.RegCC)
	require.EqualValues(t, 1, cc&1, "CC.EN must be set")
	require.EqualValues(t, 0, (cc>>4)&0x7, "CC.CSS must select NVM")
	require.EqualValues(t, 6, (cc>>16)&0xF, "CC.IOSQES must be 64 bytes (2^6)")
	require.EqualValues(t, 4, (cc>>20)&0xF, "CC.IOCQES must be 16 bytes (2^4)")
}

// S2 — admin queue exec.
func TestAdminExecIdentify(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i)
	}
	dev.SetIdentifyContent(content)

	buf := make([]byte, 4096)
	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)

	var cqe CQE
	require.NoError(t, ctl.ExecAdmin(sqe, buf, len(buf), &cqe))
	require.True(t, cqe.StatusSuccess())
	require.Equal(t, content, buf)
}

// S3 — AER interleaving.
func TestAERInterleaving(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	var called int
	var gotDW0 uint32
	require.NoError(t, ctl.EnableAEN(func(cqe CQE) {
		called++
		gotDW0 = cqe.DW0
	}))

	dev.ArmAsyncEvent(0x00000101)

	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	var cqe CQE
	require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, &cqe))

	require.Equal(t, 1, called)
	require.EqualValues(t, 0x00000101, gotDW0)
	require.True(t, cqe.StatusSuccess())
}

// S5 — ready timeout.
func TestReadyTimeout(t *testing.T) {
	cap := uapi.BuildCAP(1, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	dev.SetAutoReady(false)

	start := time.Now()
	err := ctl.Open(testBDF)
	elapsed := time.Since(start)

	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, ErrCodeTimeout, nerr.Code)
	require.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
	require.Less(t, elapsed, 2000*time.Millisecond)
}

// S6 — create I/O queue pair rollback.
func TestCreateIOQueuePairRollback(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, iommu, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	dev.SetNackCreateIOSQ(0x0101)

	before := iommu.Outstanding

	err := ctl.CreateIOQueuePair(1, 64, 0)
	require.Error(t, err)

	require.Nil(t, ctl.core.Queue(1))
	require.Equal(t, before, iommu.Outstanding)
}

// After the exchange in TestAERInterleaving the AER slot must be re-armed:
// the admin pool carries a standing deficit of exactly one context.
func TestAERPoolDeficit(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	full := ctl.core.AdminSQ().FreeCount()
	require.NoError(t, ctl.EnableAEN(nil))
	require.Equal(t, full-1, ctl.core.AdminSQ().FreeCount())

	dev.ArmAsyncEvent(0x00000201)

	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, nil))

	require.Equal(t, full-1, ctl.core.AdminSQ().FreeCount(),
		"the re-armed event request keeps exactly one context in flight")
}

// Ring accounting: after N one-shot commands the pool is back at its
// initial capacity.
func TestExecRingAccounting(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	_, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	full := ctl.core.AdminSQ().FreeCount()
	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	for i := 0; i < 16; i++ {
		require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, nil))
	}
	require.Equal(t, full, ctl.core.AdminSQ().FreeCount())
}

// Reset drops CSTS.RDY within the deadline and a re-initialized admin
// queue can be enabled again.
func TestResetReenable(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))
	require.EqualValues(t, 1, dev.Read32(uapi.RegCSTS)&1)

	require.NoError(t, ctl.Reset())
	require.EqualValues(t, 0, dev.Read32(uapi.RegCSTS)&1)

	require.NoError(t, ctl.core.ConfigureAdminQueue(AdminQueueSize))
	require.NoError(t, ctl.core.Enable())
	require.EqualValues(t, 1, dev.Read32(uapi.RegCSTS)&1)

	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, nil))
}

// Admin queue configuration programs AQA with the zero-based sizes and
// ASQ/ACQ with the ring IOVAs.
func TestAdminQueueRegisters(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	aqa := dev.Read32(uapi.RegAQA)
	require.EqualValues(t, AdminQueueSize-1, aqa&0xFFFF)
	require.EqualValues(t, AdminQueueSize-1, (aqa>>16)&0xFFFF)

	require.Equal(t, ctl.core.AdminSQ().RingIOVA(), dev.Read64(uapi.RegASQ))
	require.Equal(t, ctl.core.AdminSQ().CQ.RingIOVA(), dev.Read64(uapi.RegACQ))
}

// An administrative controller (sub-class 0x03) skips queue negotiation
// and rejects I/O queue creation.
func TestAdministrativeController(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	stride := uapi.DoorbellStride(cap.DSTRD())
	dev := NewFakeDevice(0x4000, stride)
	dev.SetCAP(cap)

	pci := NewMockPciDevice(0x010803)
	ctl := New(pci, NewMockIommuMapper(), NewMockPageAllocator(), dev, DefaultOptions())

	require.NoError(t, ctl.Open(testBDF))
	require.Equal(t, StateAdministrative, ctl.State())
	require.EqualValues(t, 0, ctl.NumSubmissionQueues())
	require.EqualValues(t, 0, ctl.NumCompletionQueues())

	err := ctl.CreateIOQueuePair(1, 64, 0)
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, ErrCodeInvalidArgument, nerr.Code)

	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, nil), "admin commands still work")
}

// A non-NVMe class code is rejected before any BAR is mapped.
func TestOpenRejectsNonNVMeClass(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	dev := NewFakeDevice(0x4000, 4)
	dev.SetCAP(cap)

	pci := NewMockPciDevice(0x020000) // ethernet
	ctl := New(pci, NewMockIommuMapper(), NewMockPageAllocator(), dev, DefaultOptions())

	err := ctl.Open(testBDF)
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, ErrCodeInvalidArgument, nerr.Code)
	require.Equal(t, 0, pci.OpenCalls, "device must not be opened")
}

// Close releases every IOMMU mapping and is idempotent.
func TestCloseIdempotent(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	_, iommu, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))
	require.NoError(t, ctl.CreateIOQueuePair(1, 64, 0))

	require.NoError(t, ctl.Close())
	require.Equal(t, StateClosed, ctl.State())
	require.Equal(t, 0, iommu.Outstanding)

	require.NoError(t, ctl.Close())
}

// Command round-trips show up in the controller's metrics.
func TestMetricsObservation(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	_, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	var sqe SQE
	uapi.BuildIdentify(&sqe, 1)
	require.NoError(t, ctl.ExecAdmin(sqe, nil, 0, nil))

	snap := ctl.Metrics().Snapshot()
	require.NotZero(t, snap.CommandsCompleted)
	require.Zero(t, snap.CommandErrors)
}

// I/O queue pair creation followed by an exec on the new queue.
func TestCreateIOQueuePairAndExec(t *testing.T) {
	cap := uapi.BuildCAP(4, 0, 0, uapi.CSSNVMCommandSet)
	_, _, ctl := newTestController(t, cap, DefaultOptions())
	require.NoError(t, ctl.Open(testBDF))

	require.NoError(t, ctl.CreateIOQueuePair(1, 64, 0))

	var sqe SQE
	sqe.Opcode = 0x02 // NVM read; FakeDevice completes unknown opcodes generically
	var cqe CQE
	require.NoError(t, ctl.ExecOnQueue(1, sqe, nil, 0, &cqe))
	require.True(t, cqe.StatusSuccess())
}
