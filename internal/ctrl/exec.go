package ctrl

import (
	"time"
	"unsafe"

	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/queue"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// ExecSync carries one command through its full submission/completion
// round-trip: acquire a Request Context, ephemerally map and PRP-encode the
// transfer buffer if present, exec, poll the bound CQ (dispatching
// interleaved AER completions and skipping spurious ones), then release.
func (c *Controller) ExecSync(sq *queue.SubmissionQueue, sqe uapi.SQE, buf []byte, length int, outCqe *uapi.CQE) error {
	rq, err := sq.Acquire()
	if err != nil {
		c.observer.ObserveBusy()
		return nvmectlerr.NewQueue("ExecSync", c.bdf, int(sq.ID), nvmectlerr.ErrCodeBusy, "request pool exhausted")
	}

	var ephemeral bool
	if buf != nil && length > 0 {
		vaddr := uintptr(unsafe.Pointer(&buf[0]))
		iova, err := c.iommu.MapEphemeral(vaddr, length)
		if err != nil {
			sq.Release(rq)
			return nvmectlerr.WrapCode("ExecSync", nvmectlerr.ErrCodeIoMappingFailed, err)
		}
		ephemeral = true
		queue.MapPRP(sq, rq, iova, length, &sqe)
	}

	start := time.Now()
	sq.Exec(rq, sqe)
	c.observer.ObserveQueueDepth(uint32(int(sq.QSize-1) - sq.FreeCount()))

	admin := sq == c.sqs[0]
	var done uapi.CQE
	for {
		cqe, ok := sq.CQ.Poll()
		if !ok {
			continue
		}

		if admin && uapi.IsAERCommandID(cqe.CommandID) {
			sq.CQ.Advance()
			c.HandleAER(cqe)
			continue
		}

		if uapi.RequestIndex(cqe.CommandID) != rq.CID {
			sq.CQ.Advance()
			c.log.Warn("spurious completion", "cid", cqe.CommandID, "expectedCid", rq.CID)
			continue
		}

		sq.CQ.Advance()
		done = cqe
		if outCqe != nil {
			*outCqe = cqe
		}
		break
	}
	c.observer.ObserveCommand(uint64(time.Since(start).Nanoseconds()), done.StatusSuccess())

	if ephemeral {
		if err := c.iommu.FreeEphemeral(1); err != nil {
			sq.Release(rq)
			return nvmectlerr.WrapCode("ExecSync", nvmectlerr.ErrCodeIoMappingFailed, err)
		}
	}

	sq.Release(rq)
	return nil
}
