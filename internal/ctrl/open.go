package ctrl

import (
	"time"

	"github.com/nvmectl/go-nvmectl/internal/constants"
	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

const (
	nvmeClassCode = 0x010800
	nvmeAdminOnly = 0x03 // programming-interface byte of the class code
)

// Open inspects the device's PCI class code, maps its two BAR windows, and
// reads CAP.
func (c *Controller) Open(bdf string) error {
	if c.state != StateFresh {
		return nvmectlerr.New("Open", nvmectlerr.ErrCodeInvalidArgument, "controller already opened")
	}

	class, err := c.pci.ClassCode(bdf)
	if err != nil {
		return nvmectlerr.Wrap("Open", err)
	}
	if class&0xFFFF00 != nvmeClassCode {
		return nvmectlerr.New("Open", nvmectlerr.ErrCodeInvalidArgument, "device class is not NVMe")
	}
	subclass := uint8(class & 0xFF)
	c.administrative = subclass == nvmeAdminOnly

	handle, err := c.pci.Open(bdf)
	if err != nil {
		return nvmectlerr.Wrap("Open", err)
	}

	regVaddr, err := c.pci.MapBAR(handle, 0, uapi.RegisterWindowLength, uapi.RegisterWindowOffset, 0)
	if err != nil {
		_ = c.pci.Close(handle)
		return nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	dbVaddr, err := c.pci.MapBAR(handle, 0, uapi.DoorbellWindowLength, uapi.DoorbellWindowOffset, 0)
	if err != nil {
		_ = c.pci.UnmapBAR(handle, 0, regVaddr, uapi.RegisterWindowLength, uapi.RegisterWindowOffset)
		_ = c.pci.Close(handle)
		return nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	c.bdf = bdf
	c.pciHandle = handle
	c.regBase = regVaddr
	c.doorbellBase = dbVaddr
	c.log = c.log.WithController(bdf)

	c.cap = uapi.CAP(c.mmio.Read64(c.regBase + uapi.RegCAP))
	if c.cap.MPSMIN() > 0 {
		// Host page size is assumed to be 4 KiB (constants.PageSize);
		// MPSMIN is expressed in units of 2^(12+MPSMIN) bytes.
		_ = c.pci.UnmapBAR(handle, 0, dbVaddr, uapi.DoorbellWindowLength, uapi.DoorbellWindowOffset)
		_ = c.pci.UnmapBAR(handle, 0, regVaddr, uapi.RegisterWindowLength, uapi.RegisterWindowOffset)
		_ = c.pci.Close(handle)
		return nvmectlerr.New("Open", nvmectlerr.ErrCodeInvalidArgument, "controller minimum page size exceeds host page size")
	}
	c.doorbellStride = uapi.DoorbellStride(c.cap.DSTRD())

	c.state = StateOpened
	c.log.Info("controller opened", "bdf", bdf, "administrative", c.administrative)
	return nil
}

// Reset clears CC.EN and waits for CSTS.RDY to drop.
func (c *Controller) Reset() error {
	cc := c.mmio.Read32(c.regBase + uapi.RegCC)
	cc &^= 1 // clear EN
	c.mmio.Write32(c.regBase+uapi.RegCC, cc)

	if err := c.waitReady(false); err != nil {
		return nvmectlerr.Wrap("Reset", err)
	}

	c.state = StateReset
	c.log.Info("controller reset")
	return nil
}

// waitReady polls CSTS until RDY matches target, aborting early on
// CSTS.CFS.
func (c *Controller) waitReady(target bool) error {
	deadline := (time.Duration(c.cap.Timeout()) + 1) * constants.ReadyWaitUnitMillis
	start := time.Now()

	for {
		csts := c.mmio.Read32(c.regBase + uapi.RegCSTS)
		if uapi.CSTSFatal(csts) {
			return nvmectlerr.New("waitReady", nvmectlerr.ErrCodeDeviceFailure, "CSTS.CFS set during ready wait")
		}
		if uapi.CSTSReady(csts) == target {
			return nil
		}
		if time.Since(start) >= deadline {
			return nvmectlerr.New("waitReady", nvmectlerr.ErrCodeTimeout, "ready-wait deadline exceeded")
		}
		time.Sleep(constants.ReadyPollInterval)
	}
}
