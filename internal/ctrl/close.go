package ctrl

import (
	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// Close discards every configured SQ then every CQ, unmaps both BAR
// windows, and drops the PCI handle. Idempotent.
func (c *Controller) Close() error {
	if c.state == StateClosed || c.state == StateFresh {
		c.state = StateClosed
		return nil
	}

	for _, sq := range c.sqs {
		if err := sq.Discard(); err != nil {
			return nvmectlerr.Wrap("Close", err)
		}
	}
	for _, cq := range c.cqs {
		if err := cq.Discard(); err != nil {
			return nvmectlerr.Wrap("Close", err)
		}
	}
	c.sqs = nil
	c.cqs = nil

	if err := c.pci.UnmapBAR(c.pciHandle, 0, c.doorbellBase, uapi.DoorbellWindowLength, uapi.DoorbellWindowOffset); err != nil {
		return nvmectlerr.Wrap("Close", err)
	}
	if err := c.pci.UnmapBAR(c.pciHandle, 0, c.regBase, uapi.RegisterWindowLength, uapi.RegisterWindowOffset); err != nil {
		return nvmectlerr.Wrap("Close", err)
	}
	if err := c.pci.Close(c.pciHandle); err != nil {
		return nvmectlerr.Wrap("Close", err)
	}

	c.state = StateClosed
	c.log.Info("controller closed")
	return nil
}
