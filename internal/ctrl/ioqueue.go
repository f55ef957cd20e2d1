package ctrl

import (
	"github.com/nvmectl/go-nvmectl/internal/constants"
	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/queue"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// CreateIOQueuePair configures a CQ then an SQ locally, then issues Create
// I/O CQ followed by Create I/O SQ admin commands. Either admin-command
// failure rolls back both local allocations. A qsize of 0 selects
// constants.DefaultIOQueueSize.
func (c *Controller) CreateIOQueuePair(qid uint16, qsize uint16, priority uint8) error {
	if c.administrative {
		return nvmectlerr.NewController("CreateIOQueuePair", c.bdf, nvmectlerr.ErrCodeInvalidArgument, "administrative controllers do not support I/O queues")
	}
	if qsize == 0 {
		qsize = constants.DefaultIOQueueSize
	}

	cqDoorbell := c.doorbellBase + uintptr(uapi.CQDoorbellOffset(qid, c.doorbellStride))
	cq, err := queue.ConfigureCQ(c.alloc, c.iommu, c.mmio, cqDoorbell, qid, qsize, c.ncqa)
	if err != nil {
		return nvmectlerr.NewQueue("CreateIOQueuePair", c.bdf, int(qid), nvmectlerr.ErrCodeInvalidArgument, "invalid completion queue configuration")
	}

	sqDoorbell := c.doorbellBase + uintptr(uapi.SQDoorbellOffset(qid, c.doorbellStride))
	sq, err := queue.ConfigureSQ(c.alloc, c.iommu, c.mmio, sqDoorbell, qid, qsize, c.nsqa, cq)
	if err != nil {
		_ = cq.Discard()
		return nvmectlerr.NewQueue("CreateIOQueuePair", c.bdf, int(qid), nvmectlerr.ErrCodeInvalidArgument, "invalid submission queue configuration")
	}

	var createCQ uapi.SQE
	uapi.BuildCreateIOCQ(&createCQ, qid, qsize, cq.RingIOVA(), false, 0)
	var cqResult uapi.CQE
	if err := c.ExecSync(c.sqs[0], createCQ, nil, 0, &cqResult); err != nil {
		_ = sq.Discard()
		_ = cq.Discard()
		return nvmectlerr.Wrap("CreateIOQueuePair", err)
	}
	if !cqResult.StatusSuccess() {
		_ = sq.Discard()
		_ = cq.Discard()
		return nvmectlerr.NewQueue("CreateIOQueuePair", c.bdf, int(qid), nvmectlerr.ErrCodeDeviceFailure, "Create I/O CQ rejected")
	}

	var createSQ uapi.SQE
	uapi.BuildCreateIOSQ(&createSQ, qid, qsize, sq.RingIOVA(), qid, priority)
	var sqResult uapi.CQE
	if err := c.ExecSync(c.sqs[0], createSQ, nil, 0, &sqResult); err != nil {
		_ = sq.Discard()
		_ = cq.Discard()
		return nvmectlerr.Wrap("CreateIOQueuePair", err)
	}
	if !sqResult.StatusSuccess() {
		_ = sq.Discard()
		_ = cq.Discard()
		return nvmectlerr.NewQueue("CreateIOQueuePair", c.bdf, int(qid), nvmectlerr.ErrCodeDeviceFailure, "Create I/O SQ rejected")
	}

	c.setQueueSlot(qid, sq, cq)
	c.log.Info("I/O queue pair created", "qid", qid, "qsize", qsize)
	return nil
}

// setQueueSlot records sq/cq at index qid, growing the dense arrays with
// nil padding as needed.
func (c *Controller) setQueueSlot(qid uint16, sq *queue.SubmissionQueue, cq *queue.CompletionQueue) {
	for uint16(len(c.sqs)) <= qid {
		c.sqs = append(c.sqs, nil)
	}
	for uint16(len(c.cqs)) <= qid {
		c.cqs = append(c.cqs, nil)
	}
	c.sqs[qid] = sq
	c.cqs[qid] = cq
}
