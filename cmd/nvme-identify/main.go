// nvme-identify binds an NVMe controller through VFIO, brings it up, and
// prints the fields of its Identify Controller data structure.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"

	nvmectl "github.com/nvmectl/go-nvmectl"
	"github.com/nvmectl/go-nvmectl/internal/iommu"
	"github.com/nvmectl/go-nvmectl/internal/logging"
	"github.com/nvmectl/go-nvmectl/internal/mmio"
	"github.com/nvmectl/go-nvmectl/internal/pagealloc"
	"github.com/nvmectl/go-nvmectl/internal/pci"
	"github.com/nvmectl/go-nvmectl/internal/uapi"
)

// identifyController holds the subset of the Identify Controller data
// structure printed by this tool.
type identifyController struct {
	VID          uint16
	SSVID        uint16
	SerialNumber string
	ModelNumber  string
	Firmware     string
	ControllerID uint16
	Version      uint32
	MDTS         uint8
}

func decodeIdentify(buf []byte) identifyController {
	return identifyController{
		VID:          binary.LittleEndian.Uint16(buf[0:2]),
		SSVID:        binary.LittleEndian.Uint16(buf[2:4]),
		SerialNumber: strings.TrimSpace(string(buf[4:24])),
		ModelNumber:  strings.TrimSpace(string(buf[24:64])),
		Firmware:     strings.TrimSpace(string(buf[64:72])),
		MDTS:         buf[77],
		ControllerID: binary.LittleEndian.Uint16(buf[78:80]),
		Version:      binary.LittleEndian.Uint32(buf[80:84]),
	}
}

func printIdentify(id identifyController) {
	fmt.Printf("Vendor ID:        0x%04x\n", id.VID)
	fmt.Printf("Subsystem Vendor: 0x%04x\n", id.SSVID)
	fmt.Printf("Serial Number:    %s\n", id.SerialNumber)
	fmt.Printf("Model Number:     %s\n", id.ModelNumber)
	fmt.Printf("Firmware:         %s\n", id.Firmware)
	fmt.Printf("Controller ID:    %d\n", id.ControllerID)
	fmt.Printf("NVMe Version:     %d.%d.%d\n", id.Version>>16, (id.Version>>8)&0xFF, id.Version&0xFF)
	fmt.Printf("MDTS:             %d\n", id.MDTS)
}

func main() {
	var (
		bdf     = flag.String("bdf", "", "PCI bus-device-function of the NVMe controller, e.g. 0000:01:00.0")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *bdf == "" {
		fmt.Fprintln(os.Stderr, "usage: nvme-identify -bdf 0000:01:00.0")
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Default()

	pciDev := pci.New()
	iommuMapper, err := iommu.New(*bdf)
	if err != nil {
		logger.Error("failed to bind iommu group", "error", err)
		os.Exit(1)
	}
	defer iommuMapper.Close()

	alloc := pagealloc.New()
	window := mmio.New()

	ctl := nvmectl.New(pciDev, iommuMapper, alloc, window, nvmectl.DefaultOptions())

	if err := ctl.Open(*bdf); err != nil {
		logger.Error("failed to open controller", "bdf", *bdf, "error", err)
		os.Exit(1)
	}
	defer ctl.Close()

	buf := make([]byte, 4096)
	var sqe nvmectl.SQE
	var cqe nvmectl.CQE

	const identifyControllerCNS = 1
	uapi.BuildIdentify(&sqe, identifyControllerCNS)

	if err := ctl.ExecAdmin(sqe, buf, len(buf), &cqe); err != nil {
		logger.Error("identify command failed", "error", err)
		os.Exit(1)
	}
	if !cqe.StatusSuccess() {
		logger.Error("identify command returned an error status", "status", cqe.StatusCode())
		os.Exit(1)
	}

	printIdentify(decodeIdentify(buf))
}
