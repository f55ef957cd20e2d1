package queue

import "sync/atomic"

// barrierDummy gives atomic.AddInt64 a target; on x86-64 it compiles to
// LOCK XADD, which has full fence semantics with no real contention.
var barrierDummy int64

// Sfence is a store-release fence, used before ringing a doorbell so the
// SQE copy is visible to the device ahead of the tail update.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence is a full fence, used after observing a CQE's phase bit before
// reading the rest of the completion.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
