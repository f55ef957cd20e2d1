package queue

import (
	"testing"

	"github.com/nvmectl/go-nvmectl/internal/uapi"
	"github.com/stretchr/testify/require"
)

func newPRPTestSQ(t *testing.T, qsize uint16) *SubmissionQueue {
	t.Helper()
	alloc := newFakeAllocator()
	iommu := fakeIommu{}
	mmio := &fakeMmio{}

	cq, err := ConfigureCQ(alloc, iommu, mmio, 0x1004, 0, qsize, 0)
	require.NoError(t, err)
	sq, err := ConfigureSQ(alloc, iommu, mmio, 0x1000, 0, qsize, 0, cq)
	require.NoError(t, err)
	return sq
}

func TestMapPRPSinglePage(t *testing.T) {
	sq := newPRPTestSQ(t, 4)
	rq, err := sq.Acquire()
	require.NoError(t, err)

	const iova = 0x10000
	var sqe uapi.SQE
	MapPRP(sq, rq, iova, pageSize, &sqe)

	require.EqualValues(t, iova, sqe.PRP1)
	require.EqualValues(t, 0, sqe.PRP2)
}

func TestMapPRPTwoPages(t *testing.T) {
	sq := newPRPTestSQ(t, 4)
	rq, err := sq.Acquire()
	require.NoError(t, err)

	const iova = 0x10000
	var sqe uapi.SQE
	MapPRP(sq, rq, iova, 2*pageSize, &sqe)

	require.EqualValues(t, iova, sqe.PRP1)
	require.EqualValues(t, iova+pageSize, sqe.PRP2)
}

func TestMapPRPUnalignedSpansBoundary(t *testing.T) {
	sq := newPRPTestSQ(t, 4)
	rq, err := sq.Acquire()
	require.NoError(t, err)

	// A transfer starting mid-page that crosses into the next page still
	// fits in two PRP entries.
	const iova = 0x10000 + 0x800
	var sqe uapi.SQE
	MapPRP(sq, rq, iova, pageSize+0x400, &sqe)

	require.EqualValues(t, iova, sqe.PRP1)
	require.EqualValues(t, 0x11000, sqe.PRP2)
}

func TestMapPRPListReconstructsIOVASequence(t *testing.T) {
	sq := newPRPTestSQ(t, 4)
	rq, err := sq.Acquire()
	require.NoError(t, err)

	const iova = 0x40000
	const pages = 5
	var sqe uapi.SQE
	MapPRP(sq, rq, iova, pages*pageSize, &sqe)

	require.EqualValues(t, iova, sqe.PRP1)
	require.EqualValues(t, rq.ScratchIOVA, sqe.PRP2, "PRP2 must point at the context's scratch page list")

	// The list must carry the remaining pages, one entry per page after
	// the first.
	scratch := sq.ScratchBytes(rq, int(rq.CID))
	for i := 0; i < pages-1; i++ {
		want := uint64(iova) + uint64(i+1)*pageSize
		require.EqualValues(t, want, uapi.GetPRPListEntry(scratch, i), "list entry %d", i)
	}
}
