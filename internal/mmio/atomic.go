package mmio

import "sync/atomic"

func loadUint32(addr *uint32) uint32         { return atomic.LoadUint32(addr) }
func loadUint64(addr *uint64) uint64         { return atomic.LoadUint64(addr) }
func storeUint32(addr *uint32, value uint32) { atomic.StoreUint32(addr, value) }
func storeUint64(addr *uint64, value uint64) { atomic.StoreUint64(addr, value) }
