// Package nvmectl implements the core of a userspace NVMe controller
// driver: register-level bring-up, admin/I/O queue-pair construction, DMA
// buffer and IOVA management, and the command submission/completion
// round-trip, including asynchronous-event notifications.
package nvmectl

import (
	"github.com/nvmectl/go-nvmectl/internal/constants"
	"github.com/nvmectl/go-nvmectl/internal/ctrl"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/logging"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// State mirrors the controller's bring-up state machine.
type State = ctrl.State

const (
	StateFresh           = ctrl.StateFresh
	StateOpened          = ctrl.StateOpened
	StateReset           = ctrl.StateReset
	StateAdminConfigured = ctrl.StateAdminConfigured
	StateEnabled         = ctrl.StateEnabled
	StateRunning         = ctrl.StateRunning
	StateAdministrative  = ctrl.StateAdministrative
	StateClosed          = ctrl.StateClosed
)

// AERHandler is invoked with an async-event completion's CQE.
type AERHandler = ctrl.AERHandler

// SQE and CQE are the on-the-wire command/completion structures callers
// build and inspect.
type SQE = uapi.SQE
type CQE = uapi.CQE

// Options mirrors the embedded controller options record.
type Options = ctrl.Options

// DefaultOptions returns Options with the embedded default requested queue
// counts applied.
func DefaultOptions() Options { return ctrl.DefaultOptions() }

// Defaults re-exported for callers that want the raw constants.
const (
	AdminQueueSize         = constants.NVMeAQQSize
	DefaultRequestedQueues = constants.DefaultRequestedQueues
	DefaultIOQueueSize     = constants.DefaultIOQueueSize
	PageSize               = constants.PageSize
)

// PciDevice, IommuMapper, PageAllocator, and Mmio are the external
// collaborators a Controller is built from.
type PciDevice = interfaces.PciDevice
type IommuMapper = interfaces.IommuMapper
type PageAllocator = interfaces.PageAllocator
type Mmio = interfaces.Mmio

// Controller is the top-level handle a caller opens, drives through its
// lifecycle, and closes.
type Controller struct {
	core    *ctrl.Controller
	opts    Options
	metrics *Metrics
}

// New constructs a Controller bound to the given collaborators, in the
// Fresh state, recording operational statistics into a fresh Metrics.
// A zero requested queue count in opts is replaced by
// DefaultRequestedQueues.
func New(pci PciDevice, iommu IommuMapper, alloc PageAllocator, mmio Mmio, opts Options) *Controller {
	if opts.NumSubmissionQueuesRequested == 0 {
		opts.NumSubmissionQueuesRequested = constants.DefaultRequestedQueues
	}
	if opts.NumCompletionQueuesRequested == 0 {
		opts.NumCompletionQueuesRequested = constants.DefaultRequestedQueues
	}
	core := ctrl.New(pci, iommu, alloc, mmio)
	m := NewMetrics()
	core.SetObserver(NewMetricsObserver(m))
	return &Controller{core: core, opts: opts, metrics: m}
}

// Open brings the controller from Fresh through Enabled (and, for
// non-Administrative devices, through queue-count negotiation) in one call.
func (c *Controller) Open(bdf string) error {
	if err := c.core.Open(bdf); err != nil {
		return err
	}
	if err := c.core.Reset(); err != nil {
		return err
	}
	if err := c.core.ConfigureAdminQueue(constants.NVMeAQQSize); err != nil {
		return err
	}
	if err := c.core.Enable(); err != nil {
		return err
	}
	if c.core.State() == ctrl.StateRunning {
		if err := c.core.NegotiateQueueCounts(c.opts.NumSubmissionQueuesRequested, c.opts.NumCompletionQueuesRequested); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears CC.EN and waits for CSTS.RDY to drop.
func (c *Controller) Reset() error { return c.core.Reset() }

// Close releases every queue and both BAR mappings. Idempotent.
func (c *Controller) Close() error {
	if err := c.core.Close(); err != nil {
		return err
	}
	c.metrics.Stop()
	return nil
}

// Metrics returns the controller's operational counters.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// SetObserver replaces the metrics observer receiving command-execution
// events. A nil observer disables collection.
func (c *Controller) SetObserver(o Observer) { c.core.SetObserver(o) }

// BDF returns the bus-device-function this controller was opened against.
func (c *Controller) BDF() string { return c.core.BDF() }

// State returns the controller's current bring-up state.
func (c *Controller) State() State { return c.core.State() }

// SetLogger overrides the controller's logger.
func (c *Controller) SetLogger(l *logging.Logger) { c.core.SetLogger(l) }

// CreateIOQueuePair configures and creates I/O submission/completion queue
// qid.
func (c *Controller) CreateIOQueuePair(qid uint16, qsize uint16, priority uint8) error {
	return c.core.CreateIOQueuePair(qid, qsize, priority)
}

// ExecAdmin issues sqe on the admin queue and carries it through its
// submission/completion round-trip.
func (c *Controller) ExecAdmin(sqe SQE, buf []byte, length int, outCqe *CQE) error {
	return c.core.ExecSync(c.core.AdminSQ(), sqe, buf, length, outCqe)
}

// EnableAEN arms an Asynchronous Event Request on the admin queue with
// handler invoked for every async-event completion.
func (c *Controller) EnableAEN(handler AERHandler) error {
	return c.core.EnableAEN(handler)
}

// ExecOnQueue issues sqe on I/O queue qid and carries it through its
// submission/completion round-trip.
func (c *Controller) ExecOnQueue(qid uint16, sqe SQE, buf []byte, length int, outCqe *CQE) error {
	sq := c.core.Queue(qid)
	if sq == nil {
		return NewError("ExecOnQueue", ErrCodeInvalidArgument, "queue not created")
	}
	return c.core.ExecSync(sq, sqe, buf, length, outCqe)
}

// NumSubmissionQueues and NumCompletionQueues report the negotiated I/O
// queue counts (zero on Administrative controllers).
func (c *Controller) NumSubmissionQueues() uint16 { return c.core.NumSubmissionQueuesNegotiated() }
func (c *Controller) NumCompletionQueues() uint16 { return c.core.NumCompletionQueuesNegotiated() }
