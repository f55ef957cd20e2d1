// Package pci implements the PciDevice collaborator against the Linux VFIO
// framework: group binding, device fd acquisition, and BAR mmap.
package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/jaypipes/pcidb"
	"golang.org/x/sys/unix"

	nvmectlerr "github.com/nvmectl/go-nvmectl/internal/errs"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/logging"
)

var _ interfaces.PciDevice = (*Device)(nil)

// VFIO ioctl numbers and structures, lifted from the kernel uapi
// (include/uapi/linux/vfio.h). Only the subset needed for group binding,
// device acquisition, and region info is reproduced here.
const (
	vfioTypeChar = 0x3b

	vfioGetAPIVersion       = 0x3b64
	vfioCheckExtension      = 0x3b65
	vfioSetIOMMU            = 0x3b66
	vfioGroupGetStatus      = 0x3b67
	vfioGroupSetContainer   = 0x3b68
	vfioGroupGetDeviceFD    = 0x3b6a
	vfioDeviceGetInfo       = 0x3b6b
	vfioDeviceGetRegionInfo = 0x3b6c

	vfioType1IOMMU = 1

	vfioGroupFlagsViable = 1 << 0
)

type vfioGroupStatus struct {
	argsz uint32
	flags uint32
}

type vfioRegionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// deviceHandle tracks the fds opened for one bound device, keyed by the
// opaque handle returned from Open.
type deviceHandle struct {
	bdf         string
	containerFD int
	groupFD     int
	deviceFD    int
	regions     map[int]vfioRegionInfo
}

// Device implements interfaces.PciDevice against /dev/vfio.
type Device struct {
	mu      sync.Mutex
	handles map[int]*deviceHandle
	nextID  int
	log     *logging.Logger
	db      *pcidb.PCIDB
}

// New constructs a VFIO-backed PciDevice. The pci.ids database lookup is
// best-effort and only used for log messages; a failure to load it is not
// fatal.
func New() *Device {
	db, _ := pcidb.New()
	return &Device{
		handles: make(map[int]*deviceHandle),
		log:     logging.Default(),
		db:      db,
	}
}

func iommuGroupPath(bdf string) string {
	return filepath.Join("/sys/bus/pci/devices", bdf, "iommu_group")
}

func iommuGroupNumber(bdf string) (string, error) {
	link, err := os.Readlink(iommuGroupPath(bdf))
	if err != nil {
		return "", err
	}
	return filepath.Base(link), nil
}

// Open binds bdf to VFIO: resolves its IOMMU group, opens the group and
// container devices, sets the IOMMU type, and acquires the device fd.
func (d *Device) Open(bdf string) (int, error) {
	group, err := iommuGroupNumber(bdf)
	if err != nil {
		return 0, nvmectlerr.Wrap("Open", err)
	}

	containerFD, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return 0, nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	groupFD, err := unix.Open(filepath.Join("/dev/vfio", group), unix.O_RDWR, 0)
	if err != nil {
		unix.Close(containerFD)
		return 0, nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	var status vfioGroupStatus
	status.argsz = uint32(unsafe.Sizeof(status))
	if err := ioctl(groupFD, vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}
	if status.flags&vfioGroupFlagsViable == 0 {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.New("Open", nvmectlerr.ErrCodeDeviceFailure, "vfio group is not viable")
	}

	if err := ioctl(groupFD, vfioGroupSetContainer, uintptr(containerFD)); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}
	if err := ioctl(containerFD, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.WrapCode("Open", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	bdfBytes, err := unix.BytePtrFromString(bdf)
	if err != nil {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.Wrap("Open", err)
	}
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(groupFD), vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(bdfBytes)))
	if errno != 0 {
		unix.Close(groupFD)
		unix.Close(containerFD)
		return 0, nvmectlerr.NewWithErrno("Open", nvmectlerr.ErrCodeMmioUnavailable, errno)
	}
	deviceFD := int(r1)

	d.mu.Lock()
	d.nextID++
	handle := d.nextID
	d.handles[handle] = &deviceHandle{
		bdf:         bdf,
		containerFD: containerFD,
		groupFD:     groupFD,
		deviceFD:    deviceFD,
		regions:     make(map[int]vfioRegionInfo),
	}
	d.mu.Unlock()

	fields := append([]any{"bdf", bdf, "group", group}, d.vendorLogFields(bdf)...)
	d.log.Info("pci device bound to vfio", fields...)
	return handle, nil
}

// vendorLogFields returns best-effort "vendor"/"product" key-value pairs
// for a log call, or nil if the pci.ids database, the sysfs vendor/device
// id read, or the vendor lookup failed.
func (d *Device) vendorLogFields(bdf string) []any {
	if d.db == nil {
		return nil
	}
	vendorID, deviceID, err := readVendorDeviceID(bdf)
	if err != nil {
		return nil
	}
	vendor, ok := d.db.Vendors[vendorID]
	if !ok {
		return nil
	}
	fields := []any{"vendor", vendor.Name}
	for _, p := range vendor.Products {
		if strings.EqualFold(p.ID, deviceID) {
			fields = append(fields, "product", p.Name)
			break
		}
	}
	return fields
}

func readVendorDeviceID(bdf string) (vendorID, deviceID string, err error) {
	v, err := os.ReadFile(filepath.Join("/sys/bus/pci/devices", bdf, "vendor"))
	if err != nil {
		return "", "", err
	}
	p, err := os.ReadFile(filepath.Join("/sys/bus/pci/devices", bdf, "device"))
	if err != nil {
		return "", "", err
	}
	vendorID = strings.TrimPrefix(strings.TrimSpace(string(v)), "0x")
	deviceID = strings.TrimPrefix(strings.TrimSpace(string(p)), "0x")
	return vendorID, deviceID, nil
}

func (d *Device) region(handle int, barIndex int) (vfioRegionInfo, *deviceHandle, error) {
	d.mu.Lock()
	h, ok := d.handles[handle]
	d.mu.Unlock()
	if !ok {
		return vfioRegionInfo{}, nil, nvmectlerr.New("MapBAR", nvmectlerr.ErrCodeInvalidArgument, "unknown pci handle")
	}

	d.mu.Lock()
	info, cached := h.regions[barIndex]
	d.mu.Unlock()
	if cached {
		return info, h, nil
	}

	info = vfioRegionInfo{argsz: uint32(unsafe.Sizeof(info)), index: uint32(barIndex)}
	if err := ioctl(h.deviceFD, vfioDeviceGetRegionInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		return vfioRegionInfo{}, nil, nvmectlerr.WrapCode("MapBAR", nvmectlerr.ErrCodeMmioUnavailable, err)
	}

	d.mu.Lock()
	h.regions[barIndex] = info
	d.mu.Unlock()
	return info, h, nil
}

// MapBAR maps length bytes of barIndex starting at offset within the BAR,
// via mmap on the VFIO device fd at the region's file offset.
func (d *Device) MapBAR(handle int, barIndex int, length int, offset int64, prot int) (uintptr, error) {
	info, h, err := d.region(handle, barIndex)
	if err != nil {
		return 0, err
	}
	if prot == 0 {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	mmapOffset := int64(info.offset) + offset
	data, err := unix.Mmap(h.deviceFD, mmapOffset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return 0, nvmectlerr.WrapCode("MapBAR", nvmectlerr.ErrCodeMmioUnavailable, err)
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}

// UnmapBAR reverses a MapBAR mapping.
func (d *Device) UnmapBAR(handle int, barIndex int, vaddr uintptr, length int, offset int64) error {
	data := unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), length)
	if err := unix.Munmap(data); err != nil {
		return nvmectlerr.WrapCode("UnmapBAR", nvmectlerr.ErrCodeMmioUnavailable, err)
	}
	return nil
}

// ClassCode reads the 24-bit PCI class code from sysfs.
func (d *Device) ClassCode(bdf string) (uint32, error) {
	raw, err := os.ReadFile(filepath.Join("/sys/bus/pci/devices", bdf, "class"))
	if err != nil {
		return 0, nvmectlerr.Wrap("ClassCode", err)
	}
	s := strings.TrimSpace(strings.TrimPrefix(string(raw), "0x"))
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, nvmectlerr.New("ClassCode", nvmectlerr.ErrCodeInvalidArgument, fmt.Sprintf("malformed class code %q", s))
	}
	return uint32(v), nil
}

// Close tears down a handle's group/device/container fds in reverse
// acquisition order.
func (d *Device) Close(handle int) error {
	d.mu.Lock()
	h, ok := d.handles[handle]
	if ok {
		delete(d.handles, handle)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	unix.Close(h.deviceFD)
	unix.Close(h.groupFD)
	unix.Close(h.containerFD)
	d.log.Info("pci device released", "bdf", h.bdf)
	return nil
}
