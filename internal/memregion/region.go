// Package memregion provides an in-process, addressable byte region used
// to simulate BAR register windows in tests; it backs the FakeDevice
// register storage in the root package's testing.go.
package memregion

import (
	"encoding/binary"
	"sync"

	"github.com/nvmectl/go-nvmectl/internal/interfaces"
)

// Region is a thread-safe, fixed-size, little-endian-addressable block of
// bytes. It implements internal/interfaces.Mmio directly, so a Region can
// stand in for a real BAR mapping in tests.
type Region struct {
	mu   sync.RWMutex
	data []byte
}

// New allocates a Region of the given size, zero-filled.
func New(size int) *Region {
	return &Region{data: make([]byte, size)}
}

// Len returns the region's size in bytes.
func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// ReadAt copies len(p) bytes starting at off into p.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copy(p, r.data[off:off+int64(len(p))]), nil
}

// WriteAt copies p into the region starting at off.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(r.data[off:off+int64(len(p))], p), nil
}

// Bytes returns a copy of the region's entire contents.
func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Read32 reads a little-endian 32-bit value at offset.
func (r *Region) Read32(offset uintptr) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.LittleEndian.Uint32(r.data[offset : offset+4])
}

// Read64 reads a little-endian 64-bit value at offset.
func (r *Region) Read64(offset uintptr) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.LittleEndian.Uint64(r.data[offset : offset+8])
}

// Write32 writes a little-endian 32-bit value at offset.
func (r *Region) Write32(offset uintptr, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binary.LittleEndian.PutUint32(r.data[offset:offset+4], value)
}

// Write64 writes a little-endian 64-bit value at offset.
func (r *Region) Write64(offset uintptr, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binary.LittleEndian.PutUint64(r.data[offset:offset+8], value)
}

// WriteHL64 writes value as two 32-bit little-endian halves, high half
// first, for devices lacking a native 64-bit MMIO write.
func (r *Region) WriteHL64(offset uintptr, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binary.LittleEndian.PutUint32(r.data[offset+4:offset+8], uint32(value>>32))
	binary.LittleEndian.PutUint32(r.data[offset:offset+4], uint32(value))
}

var _ interfaces.Mmio = (*Region)(nil)
