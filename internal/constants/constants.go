package constants

import "time"

// Default sizing constants.
const (
	// NVMeAQQSize is the admin queue size used for CQ[0]/SQ[0] bring-up.
	NVMeAQQSize = 32

	// DefaultRequestedQueues is the I/O submission/completion queue count
	// requested during Set Features (Number of Queues) when the caller
	// does not specify one.
	DefaultRequestedQueues = 8

	// DefaultIOQueueSize is the default per-pair I/O queue depth used by
	// CreateIOQueuePair when the caller does not specify one.
	DefaultIOQueueSize = 128

	// PageSize is the host page size assumed for PRP mapping and scratch
	// page allocation.
	PageSize = 4096
)

// Timing constants for controller bring-up.
const (
	// ReadyWaitUnitMillis is the CAP.TO unit: the ready-wait deadline is
	// 500*(CAP.TO+1) milliseconds.
	ReadyWaitUnitMillis = 500 * time.Millisecond

	// ReadyPollInterval is the interval between CSTS polls while waiting
	// for RDY to reach its target value.
	ReadyPollInterval = 1 * time.Millisecond
)
