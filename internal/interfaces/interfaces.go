// Package interfaces defines the collaborators the controller core depends
// on to reach real hardware: a PCI device handle, an IOMMU mapper, a page
// allocator, and an MMIO register window. Production code satisfies these
// against VFIO and anonymous mmap; tests satisfy them against an in-memory
// fake device.
package interfaces

// PciDevice opens a PCIe device by bus-device-function string and maps its
// base address register windows into the process.
type PciDevice interface {
	// Open resolves bdf (e.g. "0000:01:00.0") to a device handle.
	Open(bdf string) (handle int, err error)

	// MapBAR maps length bytes of BAR barIndex starting at offset into the
	// process address space with the given mmap protection flags.
	MapBAR(handle int, barIndex int, length int, offset int64, prot int) (vaddr uintptr, err error)

	// UnmapBAR reverses a MapBAR mapping.
	UnmapBAR(handle int, barIndex int, vaddr uintptr, length int, offset int64) error

	// ClassCode returns the 24-bit PCI class code for bdf.
	ClassCode(bdf string) (uint32, error)

	// Close releases a device handle opened by Open.
	Close(handle int) error
}

// IommuMapper establishes IOVA translations for host-visible DMA buffers.
type IommuMapper interface {
	// Map installs a persistent translation for [vaddr, vaddr+length) and
	// returns its IOVA.
	Map(vaddr uintptr, length int) (iova uint64, err error)

	// Unmap removes the persistent translation previously installed for
	// vaddr by Map.
	Unmap(vaddr uintptr) error

	// MapEphemeral installs a short-lived translation, tracked on an
	// internal LIFO stack for bulk release via FreeEphemeral.
	MapEphemeral(vaddr uintptr, length int) (iova uint64, err error)

	// FreeEphemeral releases the count most-recently-installed ephemeral
	// mappings, most recent first.
	FreeEphemeral(count int) error
}

// PageAllocator allocates page-aligned host memory suitable for DMA.
type PageAllocator interface {
	// Alloc returns count*unit bytes of page-aligned memory, where unit is
	// a multiple of the page size.
	Alloc(count int, unit int) (vaddr uintptr, length int, err error)

	// Free releases memory returned by Alloc.
	Free(vaddr uintptr, length int) error
}

// Mmio reads and writes a mapped register window. Values convert to/from
// little-endian on access.
type Mmio interface {
	Read32(offset uintptr) uint32
	Read64(offset uintptr) uint64
	Write32(offset uintptr, value uint32)
	Write64(offset uintptr, value uint64)

	// WriteHL64 performs two 32-bit writes, high half first, for devices
	// that do not support a native 64-bit MMIO write.
	WriteHL64(offset uintptr, value uint64)
}
