package uapi

// Register byte offsets within the controller's BAR0 register window.
const (
	RegCAP   = 0x00 // Controller Capabilities (64-bit)
	RegVS    = 0x08 // Version
	RegINTMS = 0x0C
	RegINTMC = 0x10
	RegCC    = 0x14 // Controller Configuration (32-bit)
	RegCSTS  = 0x1C // Controller Status (32-bit)
	RegAQA   = 0x24 // Admin Queue Attributes (32-bit)
	RegASQ   = 0x28 // Admin Submission Queue base address (64-bit)
	RegACQ   = 0x30 // Admin Completion Queue base address (64-bit)
)

// BAR window geometry: the register window and the doorbell window are
// adjacent 4 KiB pages starting at BAR0 offset 0.
const (
	RegisterWindowOffset = 0x0000
	RegisterWindowLength = 0x1000
	DoorbellWindowOffset = 0x1000
	DoorbellWindowLength = 0x1000
)

// CAP bit-field accessors.
type CAP uint64

func (c CAP) MQES() uint32   { return uint32(c&0xFFFF) + 1 } // 0-based in register
func (c CAP) CQR() bool      { return c&(1<<16) != 0 }
func (c CAP) AMS() uint8     { return uint8((c >> 17) & 0x3) }
func (c CAP) Timeout() uint8 { return uint8((c >> 24) & 0xFF) } // CAP.TO, 500ms units
func (c CAP) DSTRD() uint8   { return uint8((c >> 32) & 0xF) }
func (c CAP) NSSRS() bool    { return c&(1<<36) != 0 }
func (c CAP) CSS() uint8     { return uint8((c >> 37) & 0xFF) }
func (c CAP) BPS() bool      { return c&(1<<45) != 0 }
func (c CAP) MPSMIN() uint8  { return uint8((c >> 48) & 0xF) }
func (c CAP) MPSMAX() uint8  { return uint8((c >> 52) & 0xF) }

// CSS bits (CAP.CSS and CC.CSS share this encoding).
const (
	CSSNVMCommandSet   = 1 << 0 // bit 37 of CAP / bits 4-6 of CC value 0
	CSSAdminOnly       = 1 << 7 // CC.CSS = 7 ("admin command set only")
	CSSIOCommandSetSel = 1 << 6 // CC.CSS = 6 ("I/O command set specified in CDW11")
)

// CC (Controller Configuration) bit-field layout.
const (
	ccEnableShift = 0
	ccCSSShift    = 4
	ccMPSShift    = 7
	ccAMSShift    = 11
	ccSHNShift    = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

// BuildCC packs the Controller Configuration register value.
func BuildCC(css uint8, mps uint8, ams uint8, shn uint8, iosqes uint8, iocqes uint8, enable bool) uint32 {
	var cc uint32
	cc |= uint32(css&0x7) << ccCSSShift
	cc |= uint32(mps&0xF) << ccMPSShift
	cc |= uint32(ams&0x7) << ccAMSShift
	cc |= uint32(shn&0x3) << ccSHNShift
	cc |= uint32(iosqes&0xF) << ccIOSQESShift
	cc |= uint32(iocqes&0xF) << ccIOCQESShift
	if enable {
		cc |= 1 << ccEnableShift
	}
	return cc
}

// CCEnabled reports whether the EN bit is set in a CC register value.
func CCEnabled(cc uint32) bool { return cc&(1<<ccEnableShift) != 0 }

// CSTS bit-field layout.
const (
	cstsRDYShift  = 0
	cstsCFSShift  = 1
	cstsSHSTShift = 2
)

// CSTSReady reports CSTS.RDY.
func CSTSReady(csts uint32) bool { return csts&(1<<cstsRDYShift) != 0 }

// CSTSFatal reports CSTS.CFS, the controller fatal status bit. The
// ready-wait loop samples this and aborts immediately rather than spinning
// out the timeout.
func CSTSFatal(csts uint32) bool { return csts&(1<<cstsCFSShift) != 0 }

// CSTSShutdownStatus extracts CSTS.SHST.
func CSTSShutdownStatus(csts uint32) uint8 { return uint8((csts >> cstsSHSTShift) & 0x3) }

// BuildAQA packs the Admin Queue Attributes register: ASQS and ACQS are
// zero-based sizes.
func BuildAQA(sqSize, cqSize uint16) uint32 {
	return uint32(sqSize-1) | (uint32(cqSize-1) << 16)
}

// BuildCAP packs a Controller Capabilities register value from its
// constituent fields, used by tests to construct a mock device's CAP.
func BuildCAP(to uint8, mpsmin uint8, dstrd uint8, css uint8) CAP {
	var v uint64
	v |= 0xFFFF // MQES: report the maximum queue depth
	v |= uint64(css) << 37
	v |= uint64(to) << 24
	v |= uint64(dstrd&0xF) << 32
	v |= uint64(mpsmin&0xF) << 48
	return CAP(v)
}

// DoorbellStride converts CAP.DSTRD into a byte stride.
func DoorbellStride(dstrd uint8) uint32 {
	return 4 << dstrd
}

// SQDoorbellOffset returns the byte offset, within the doorbell window, of
// queue qid's submission tail doorbell.
func SQDoorbellOffset(qid uint16, stride uint32) uint32 {
	return uint32(qid) * 2 * stride
}

// CQDoorbellOffset returns the byte offset, within the doorbell window, of
// queue qid's completion head doorbell.
func CQDoorbellOffset(qid uint16, stride uint32) uint32 {
	return SQDoorbellOffset(qid, stride) + stride
}
