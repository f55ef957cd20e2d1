package ctrl

import (
	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/queue"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// ConfigureAdminQueue configures CQ[0] and SQ[0] at the fixed admin queue
// size and programs AQA/ASQ/ACQ.
func (c *Controller) ConfigureAdminQueue(qsize uint16) error {
	if c.state != StateReset {
		return nvmectlerr.NewController("ConfigureAdminQueue", c.bdf, nvmectlerr.ErrCodeInvalidArgument, "controller must be reset before admin queue configuration")
	}

	// Reset aborts everything in flight; queues configured before the
	// reset are stale and their pools must be rebuilt.
	for _, sq := range c.sqs {
		_ = sq.Discard()
	}
	for _, cq := range c.cqs {
		_ = cq.Discard()
	}

	cqDoorbell := uintptr(c.doorbellBase) + uintptr(uapi.CQDoorbellOffset(0, c.doorbellStride))
	cq, err := queue.ConfigureCQ(c.alloc, c.iommu, c.mmio, cqDoorbell, 0, qsize, 0)
	if err != nil {
		return nvmectlerr.WrapCode("ConfigureAdminQueue", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	sqDoorbell := uintptr(c.doorbellBase) + uintptr(uapi.SQDoorbellOffset(0, c.doorbellStride))
	sq, err := queue.ConfigureSQ(c.alloc, c.iommu, c.mmio, sqDoorbell, 0, qsize, 0, cq)
	if err != nil {
		_ = cq.Discard()
		return nvmectlerr.WrapCode("ConfigureAdminQueue", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	c.cqs = []*queue.CompletionQueue{cq}
	c.sqs = []*queue.SubmissionQueue{sq}

	c.mmio.Write32(c.regBase+uapi.RegAQA, uapi.BuildAQA(qsize, qsize))
	c.mmio.WriteHL64(c.regBase+uapi.RegASQ, sq.RingIOVA())
	c.mmio.WriteHL64(c.regBase+uapi.RegACQ, cq.RingIOVA())

	c.state = StateAdminConfigured
	c.log.Info("admin queue configured", "qsize", qsize)
	return nil
}

// CC.CSS is a 3-bit selector (0 = NVM command set, 6 = I/O command set
// specified in CDW11, 7 = admin command set only); CAP.CSS is a bitmask of
// which selector values the controller supports, with the same bit
// positions as the selector values they enable.
const (
	ccCSSNVM         uint8 = 0
	ccCSSIOSpecified uint8 = 6
	ccCSSAdminOnly   uint8 = 7
)

// chosenCSS picks the CC.CSS selector per CAP.CSS in priority order CSI >
// Admin-only > NVM.
func chosenCSS(cap uapi.CAP) uint8 {
	css := cap.CSS()
	switch {
	case css&uapi.CSSIOCommandSetSel != 0:
		return ccCSSIOSpecified
	case css&uapi.CSSAdminOnly != 0:
		return ccCSSAdminOnly
	default:
		return ccCSSNVM
	}
}

// Enable writes CC (CSS/AMS/SHN/IOSQES/IOCQES/EN) and waits for CSTS.RDY.
func (c *Controller) Enable() error {
	if c.state != StateAdminConfigured {
		return nvmectlerr.NewController("Enable", c.bdf, nvmectlerr.ErrCodeInvalidArgument, "admin queue must be configured before enable")
	}

	const (
		amsRoundRobin = 0
		shnNone       = 0
		iosqesShift6  = 6 // 2^6 = 64 bytes
		iocqesShift4  = 4 // 2^4 = 16 bytes
	)

	cc := uapi.BuildCC(chosenCSS(c.cap), 0, amsRoundRobin, shnNone, iosqesShift6, iocqesShift4, true)
	c.mmio.Write32(c.regBase+uapi.RegCC, cc)

	if err := c.waitReady(true); err != nil {
		return nvmectlerr.Wrap("Enable", err)
	}

	c.state = StateEnabled
	if c.administrative {
		c.state = StateAdministrative
	} else {
		c.state = StateRunning
	}
	c.log.Info("controller enabled", "administrative", c.administrative)
	return nil
}

// NegotiateQueueCounts issues Set Features (Number of Queues) and clamps
// the negotiated counts to min(requested, reported). A no-op error on
// Administrative controllers, which never negotiate I/O queues.
func (c *Controller) NegotiateQueueCounts(nsqr, ncqr uint16) error {
	if c.administrative {
		return nvmectlerr.NewController("NegotiateQueueCounts", c.bdf, nvmectlerr.ErrCodeInvalidArgument, "administrative controllers do not negotiate I/O queues")
	}

	var sqe uapi.SQE
	uapi.BuildSetFeaturesNumberOfQueues(&sqe, nsqr-1, ncqr-1)

	var cqe uapi.CQE
	if err := c.ExecSync(c.sqs[0], sqe, nil, 0, &cqe); err != nil {
		return nvmectlerr.Wrap("NegotiateQueueCounts", err)
	}

	reportedSQ, reportedCQ := uapi.DecodeNumberOfQueuesResult(cqe.DW0)
	c.nsqa = minUint16(nsqr, reportedSQ)
	c.ncqa = minUint16(ncqr, reportedCQ)

	c.log.Info("queue counts negotiated", "nsqa", c.nsqa, "ncqa", c.ncqa)
	return nil
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
