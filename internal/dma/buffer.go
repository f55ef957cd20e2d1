// Package dma implements the DMA Buffer component: page-aligned host
// memory mapped into the IOMMU at a known IOVA.
package dma

import (
	"unsafe"

	"github.com/nvmectl/go-nvmectl/internal/interfaces"
)

// Buffer is a page-aligned host memory region mapped in the IOMMU so the
// device sees it at a known IOVA.
type Buffer struct {
	Vaddr      uintptr
	IOVA       uint64
	ByteLength int

	alloc interfaces.PageAllocator
	iommu interfaces.IommuMapper
}

// Configure allocates count pages of unitSize bytes each and maps them
// into the IOMMU, returning the resulting Buffer. If the IOMMU mapping
// fails, the pages are released before the error is returned.
func Configure(alloc interfaces.PageAllocator, iommu interfaces.IommuMapper, count int, unitSize int) (*Buffer, error) {
	vaddr, length, err := alloc.Alloc(count, unitSize)
	if err != nil {
		return nil, err
	}

	iova, err := iommu.Map(vaddr, length)
	if err != nil {
		_ = alloc.Free(vaddr, length)
		return nil, err
	}

	return &Buffer{
		Vaddr:      vaddr,
		IOVA:       iova,
		ByteLength: length,
		alloc:      alloc,
		iommu:      iommu,
	}, nil
}

// Bytes returns a []byte view of the buffer's host memory, valid until the
// next Discard.
func (b *Buffer) Bytes() []byte {
	if b.ByteLength == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Vaddr)), b.ByteLength)
}

// PagePointer returns the host virtual address of the pageIndex'th unit
// allocated for this buffer, used to locate per-slot scratch pages and
// PRP list pages.
func (b *Buffer) PagePointer(pageIndex int, unitSize int) uintptr {
	return b.Vaddr + uintptr(pageIndex*unitSize)
}

// PageIOVA returns the IOVA of the pageIndex'th unit, assuming the pages
// were allocated contiguously starting at IOVA (true for persistent IOMMU
// mappings produced by Configure).
func (b *Buffer) PageIOVA(pageIndex int, unitSize int) uint64 {
	return b.IOVA + uint64(pageIndex*unitSize)
}

// Discard unmaps the buffer from the IOMMU, then releases its pages, and
// zeroes the descriptor. Discard on a nil or already-discarded Buffer is a
// no-op.
func (b *Buffer) Discard() error {
	if b == nil || b.alloc == nil {
		return nil
	}

	if err := b.iommu.Unmap(b.Vaddr); err != nil {
		return err
	}
	if err := b.alloc.Free(b.Vaddr, b.ByteLength); err != nil {
		return err
	}

	b.Vaddr = 0
	b.IOVA = 0
	b.ByteLength = 0
	b.alloc = nil
	b.iommu = nil
	return nil
}
