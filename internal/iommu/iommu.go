// Package iommu implements the IommuMapper collaborator against the Linux
// VFIO type-1 IOMMU backend: persistent DMA mappings plus a LIFO stack of
// ephemeral ones for per-command transfer buffers.
package iommu

import (
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/logging"
)

var _ interfaces.IommuMapper = (*Mapper)(nil)

// VFIO type-1 IOMMU ioctls and structures (include/uapi/linux/vfio.h).
const (
	vfioGroupSetContainer = 0x3b68
	vfioSetIOMMU          = 0x3b66
	vfioType1IOMMU        = 1

	vfioIOMMUMapDMA   = 0x3b71
	vfioIOMMUUnmapDMA = 0x3b72

	vfioDMAMapFlagRead  = 1 << 0
	vfioDMAMapFlagWrite = 1 << 1
)

type vfioIOMMUTypeDMAMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

type vfioIOMMUTypeDMAUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Mapper implements interfaces.IommuMapper on a VFIO type-1 container
// bound to one device's IOMMU group at construction time.
type Mapper struct {
	mu          sync.Mutex
	containerFD int
	groupFD     int

	// persistent maps vaddr -> iova for mappings installed via Map, so
	// Unmap can look up the size to pass to VFIO_IOMMU_UNMAP_DMA.
	persistent map[uintptr]vfioIOMMUTypeDMAMap

	// ephemeral is a LIFO stack of mappings installed via MapEphemeral,
	// released most-recent-first by FreeEphemeral.
	ephemeral []vfioIOMMUTypeDMAMap

	log *logging.Logger
}

// New binds a VFIO type-1 IOMMU container to bdf's IOMMU group.
func New(bdf string) (*Mapper, error) {
	group, err := iommuGroupNumber(bdf)
	if err != nil {
		return nil, nvmectlerr.Wrap("New", err)
	}

	containerFD, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, nvmectlerr.WrapCode("New", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	groupFD, err := unix.Open(filepath.Join("/dev/vfio", group), unix.O_RDWR, 0)
	if err != nil {
		unix.Close(containerFD)
		return nil, nvmectlerr.WrapCode("New", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	if err := ioctl(groupFD, vfioGroupSetContainer, uintptr(containerFD)); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return nil, nvmectlerr.WrapCode("New", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	if err := ioctl(containerFD, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return nil, nvmectlerr.WrapCode("New", nvmectlerr.ErrCodeIoMappingFailed, err)
	}

	return &Mapper{
		containerFD: containerFD,
		groupFD:     groupFD,
		persistent:  make(map[uintptr]vfioIOMMUTypeDMAMap),
		log:         logging.Default(),
	}, nil
}

// iommuGroupNumber resolves a bdf's iommu_group symlink basename.
func iommuGroupNumber(bdf string) (string, error) {
	link, err := os.Readlink(filepath.Join("/sys/bus/pci/devices", bdf, "iommu_group"))
	if err != nil {
		return "", err
	}
	return filepath.Base(link), nil
}

// Map installs a persistent IOVA translation for [vaddr, vaddr+length).
func (m *Mapper) Map(vaddr uintptr, length int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iova := uint64(vaddr) // identity IOVA space, as allocated by this mapper
	req := vfioIOMMUTypeDMAMap{
		vaddr: uint64(vaddr),
		iova:  iova,
		size:  uint64(length),
		flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
	}
	req.argsz = uint32(unsafe.Sizeof(req))

	if err := ioctl(m.containerFD, vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, nvmectlerr.WrapCode("Map", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	m.persistent[vaddr] = req
	return iova, nil
}

// Unmap removes the persistent translation previously installed by Map.
func (m *Mapper) Unmap(vaddr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.persistent[vaddr]
	if !ok {
		return nvmectlerr.New("Unmap", nvmectlerr.ErrCodeInvalidArgument, "vaddr has no persistent mapping")
	}
	delete(m.persistent, vaddr)

	unreq := vfioIOMMUTypeDMAUnmap{iova: req.iova, size: req.size}
	unreq.argsz = uint32(unsafe.Sizeof(unreq))
	if err := ioctl(m.containerFD, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&unreq))); err != nil {
		return nvmectlerr.WrapCode("Unmap", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	return nil
}

// MapEphemeral installs a short-lived translation and pushes it onto the
// ephemeral LIFO stack.
func (m *Mapper) MapEphemeral(vaddr uintptr, length int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iova := uint64(vaddr)
	req := vfioIOMMUTypeDMAMap{
		vaddr: uint64(vaddr),
		iova:  iova,
		size:  uint64(length),
		flags: vfioDMAMapFlagRead | vfioDMAMapFlagWrite,
	}
	req.argsz = uint32(unsafe.Sizeof(req))

	if err := ioctl(m.containerFD, vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, nvmectlerr.WrapCode("MapEphemeral", nvmectlerr.ErrCodeIoMappingFailed, err)
	}
	m.ephemeral = append(m.ephemeral, req)
	return iova, nil
}

// FreeEphemeral releases the count most-recently-installed ephemeral
// mappings, most recent first.
func (m *Mapper) FreeEphemeral(count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count > len(m.ephemeral) {
		return nvmectlerr.New("FreeEphemeral", nvmectlerr.ErrCodeInvalidArgument, "count exceeds outstanding ephemeral mappings")
	}

	for i := 0; i < count; i++ {
		last := len(m.ephemeral) - 1
		req := m.ephemeral[last]
		m.ephemeral = m.ephemeral[:last]

		unreq := vfioIOMMUTypeDMAUnmap{iova: req.iova, size: req.size}
		unreq.argsz = uint32(unsafe.Sizeof(unreq))
		if err := ioctl(m.containerFD, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&unreq))); err != nil {
			return nvmectlerr.WrapCode("FreeEphemeral", nvmectlerr.ErrCodeIoMappingFailed, err)
		}
	}
	return nil
}

// Close releases the container and group fds.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unix.Close(m.groupFD)
	unix.Close(m.containerFD)
	return nil
}
