// Package ctrl implements the controller lifecycle: PCIe bring-up, admin
// queue configuration, enable/negotiate, I/O queue-pair creation, and the
// one-shot command round-trip.
package ctrl

import (
	"github.com/nvmectl/go-nvmectl/internal/constants"
	"github.com/nvmectl/go-nvmectl/internal/interfaces"
	"github.com/nvmectl/go-nvmectl/internal/logging"
	"github.com/nvmectl/go-nvmectl/internal/queue"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// State is the controller's bring-up state.
type State int

const (
	StateFresh State = iota
	StateOpened
	StateReset
	StateAdminConfigured
	StateEnabled
	StateRunning
	StateAdministrative
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateOpened:
		return "Opened"
	case StateReset:
		return "Reset"
	case StateAdminConfigured:
		return "AdminConfigured"
	case StateEnabled:
		return "Enabled"
	case StateRunning:
		return "Running"
	case StateAdministrative:
		return "Administrative"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// AERHandler is invoked with an AER completion's CQE when one is delivered.
type AERHandler func(cqe uapi.CQE)

// Options holds the recognized controller options.
type Options struct {
	NumSubmissionQueuesRequested uint16
	NumCompletionQueuesRequested uint16
}

// DefaultOptions returns Options with the embedded default queue count
// applied.
func DefaultOptions() Options {
	return Options{
		NumSubmissionQueuesRequested: constants.DefaultRequestedQueues,
		NumCompletionQueuesRequested: constants.DefaultRequestedQueues,
	}
}

// Controller is the exclusive owner of a device's BAR mapping, its SQ/CQ
// arrays, and its PCI/IOMMU collaborator handles.
type Controller struct {
	bdf   string
	state State

	pci   interfaces.PciDevice
	iommu interfaces.IommuMapper
	alloc interfaces.PageAllocator
	mmio  interfaces.Mmio

	pciHandle      int
	regBase        uintptr
	doorbellBase   uintptr
	doorbellStride uint32

	cap uapi.CAP

	sqs []*queue.SubmissionQueue
	cqs []*queue.CompletionQueue

	nsqa uint16
	ncqa uint16

	administrative bool

	aerHandler AERHandler

	observer Observer

	log *logging.Logger
}

// New constructs a Controller in the Fresh state, ready for Open.
func New(pci interfaces.PciDevice, iommu interfaces.IommuMapper, alloc interfaces.PageAllocator, mmio interfaces.Mmio) *Controller {
	return &Controller{
		pci:      pci,
		iommu:    iommu,
		alloc:    alloc,
		mmio:     mmio,
		state:    StateFresh,
		observer: noopObserver{},
		log:      logging.Default(),
	}
}

// BDF returns the bus-device-function this controller was opened against.
func (c *Controller) BDF() string { return c.bdf }

// State returns the controller's current bring-up state.
func (c *Controller) State() State { return c.state }

// SetLogger overrides the controller's logger.
func (c *Controller) SetLogger(l *logging.Logger) { c.log = l.WithController(c.bdf) }

// AdminSQ returns the admin submission queue (queue index 0).
func (c *Controller) AdminSQ() *queue.SubmissionQueue { return c.sqs[0] }

// Queue returns the I/O submission queue at index qid, or nil if it has not
// been created.
func (c *Controller) Queue(qid uint16) *queue.SubmissionQueue {
	if int(qid) >= len(c.sqs) {
		return nil
	}
	return c.sqs[qid]
}

// NumSubmissionQueuesNegotiated and NumCompletionQueuesNegotiated report
// the post-negotiation queue counts.
func (c *Controller) NumSubmissionQueuesNegotiated() uint16 { return c.nsqa }
func (c *Controller) NumCompletionQueuesNegotiated() uint16 { return c.ncqa }
