package ctrl

import (
	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// EnableAEN acquires an admin Request Context, arms an Asynchronous Event
// Request with the AER bit set in its command id, and stores handler as the
// context's opaque.
func (c *Controller) EnableAEN(handler AERHandler) error {
	sq := c.sqs[0]

	rq, err := sq.Acquire()
	if err != nil {
		return nvmectlerr.NewQueue("EnableAEN", c.bdf, int(sq.ID), nvmectlerr.ErrCodeBusy, "admin queue saturated")
	}
	rq.User = handler

	var sqe uapi.SQE
	uapi.BuildAsyncEventRequest(&sqe)
	sq.ExecAER(rq, sqe)

	c.aerHandler = handler
	c.log.Info("AER enabled")
	return nil
}

// HandleAER recovers the Request Context from cqe's command id, invokes its
// handler (or logs an informational summary when none is registered), then
// immediately re-arms a fresh Asynchronous Event Request on the same
// context. AER requests are effectively perpetual until controller reset.
func (c *Controller) HandleAER(cqe uapi.CQE) {
	sq := c.sqs[0]
	idx := uapi.RequestIndex(cqe.CommandID)
	rq := sq.ContextByIndex(idx)

	handler, _ := rq.User.(AERHandler)
	if handler == nil {
		handler = c.aerHandler
	}
	if handler != nil {
		handler(cqe)
	} else {
		info := uapi.DecodeAsyncEventInfo(cqe.DW0)
		c.log.Info("async event", "type", info.Type, "info", info.Info, "logPage", info.LogPage)
	}

	c.observer.ObserveAER()

	var sqe uapi.SQE
	uapi.BuildAsyncEventRequest(&sqe)
	sq.ExecAER(rq, sqe)
}
