// Package mmio implements the Mmio collaborator over a real mapped BAR
// window returned by pci.Device.MapBAR, using unsafe pointer arithmetic
// over the mapped window.
package mmio

import (
	"encoding/binary"
	"unsafe"

	"github.com/nvmectl/go-nvmectl/internal/interfaces"
)

var _ interfaces.Mmio = (*Window)(nil)

// Window wraps a mapped register window. offset arguments passed to its
// methods are absolute host virtual addresses: internal/ctrl adds its
// fixed register/doorbell offsets onto the mapped base before calling.
type Window struct{}

// New constructs a Window. It holds no state: every method resolves
// offset as an absolute host virtual address, since internal/ctrl already
// folds its BAR base into the offset it passes.
func New() *Window { return &Window{} }

func ptr32(offset uintptr) *uint32 { return (*uint32)(unsafe.Pointer(offset)) }
func ptr64(offset uintptr) *uint64 { return (*uint64)(unsafe.Pointer(offset)) }

// Read32 performs a volatile-equivalent 32-bit MMIO read. Go has no
// volatile qualifier; atomic.LoadUint32 is used instead to prevent the
// compiler from caching or reordering the load, mirroring how real MMIO
// drivers avoid stale reads.
func (w *Window) Read32(offset uintptr) uint32 {
	return loadUint32(ptr32(offset))
}

// Read64 performs a 64-bit MMIO read.
func (w *Window) Read64(offset uintptr) uint64 {
	return loadUint64(ptr64(offset))
}

// Write32 performs a 32-bit MMIO write.
func (w *Window) Write32(offset uintptr, value uint32) {
	storeUint32(ptr32(offset), value)
}

// Write64 performs a 64-bit MMIO write.
func (w *Window) Write64(offset uintptr, value uint64) {
	storeUint64(ptr64(offset), value)
}

// WriteHL64 performs two 32-bit writes, high half first, for register
// pairs (e.g. ASQ/ACQ) that some host bridges only expose as two 32-bit
// ports rather than a native 64-bit MMIO write.
func (w *Window) WriteHL64(offset uintptr, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	hi := binary.LittleEndian.Uint32(buf[4:8])
	lo := binary.LittleEndian.Uint32(buf[0:4])
	storeUint32(ptr32(offset+4), hi)
	storeUint32(ptr32(offset), lo)
}
