// Package pagealloc implements the PageAllocator collaborator with
// anonymous mmap: page-aligned, mlock-pinned host memory suitable for
// backing DMA rings and transfer buffers.
package pagealloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
)

var _ interfaces.PageAllocator = (*Allocator)(nil)

// Allocator hands out anonymous, page-aligned, locked memory suitable for
// DMA. mmap with MAP_ANONYMOUS|MAP_PRIVATE already returns page-aligned
// regions; mlock pins them so the kernel never swaps out in-flight command
// buffers.
type Allocator struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// New constructs an Allocator.
func New() *Allocator {
	return &Allocator{regions: make(map[uintptr][]byte)}
}

// Alloc returns count*unit bytes of locked, page-aligned memory.
func (a *Allocator) Alloc(count int, unit int) (uintptr, int, error) {
	length := count * unit
	if length <= 0 {
		return 0, 0, nvmectlerr.New("Alloc", nvmectlerr.ErrCodeInvalidArgument, "non-positive allocation size")
	}

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, 0, nvmectlerr.WrapCode("Alloc", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return 0, 0, nvmectlerr.WrapCode("Alloc", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	vaddr := uintptr(unsafe.Pointer(&data[0]))

	a.mu.Lock()
	a.regions[vaddr] = data
	a.mu.Unlock()

	return vaddr, length, nil
}

// Free releases memory returned by Alloc.
func (a *Allocator) Free(vaddr uintptr, length int) error {
	a.mu.Lock()
	data, ok := a.regions[vaddr]
	if ok {
		delete(a.regions, vaddr)
	}
	a.mu.Unlock()

	if !ok {
		return nvmectlerr.New("Free", nvmectlerr.ErrCodeInvalidArgument, "vaddr was not allocated by this allocator")
	}

	unix.Munlock(data)
	if err := unix.Munmap(data); err != nil {
		return nvmectlerr.WrapCode("Free", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	return nil
}
