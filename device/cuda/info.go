package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// DeviceInfo describes a CUDA device reported by the driver.
type DeviceInfo struct {
	// The ordinal used to select this device.
	Ordinal int

	// The device name.
	Name string

	// The compute capability.
	Major int
	Minor int

	// Total device memory in bytes.
	TotalMem int64

	// The number of streaming multiprocessors.
	MultiProcessors int

	// Supported is true when the device meets the minimum compute
	// capability requirement.
	Supported bool

	// Bindless is true when the device can bind image textures through
	// texture objects instead of named texture references.
	Bindless bool

	// Display is true when the device appears to be driving a display.
	// Kernels on display devices run under a watchdog timer so the
	// renderer keeps their work batches small.
	Display bool
}

// Get device info summary.
func (inf DeviceInfo) String() string {
	return fmt.Sprintf("%s (compute %d.%d, %d SMs, %s)",
		inf.Name,
		inf.Major, inf.Minor,
		inf.MultiProcessors,
		device.FormatBytes(inf.TotalMem),
	)
}

// Devices enumerates the CUDA devices known to the driver. Devices below
// the minimum compute capability are still listed but flagged unsupported.
func Devices() ([]DeviceInfo, error) {
	if err := driver.Init(); err != nil {
		return nil, err
	}

	count, err := driver.DeviceCount()
	if err != nil {
		return nil, err
	}

	list := make([]DeviceInfo, 0, count)
	for ordinal := 0; ordinal < count; ordinal++ {
		props, err := driver.DeviceProperties(ordinal)
		if err != nil {
			return nil, err
		}
		list = append(list, infoForProperties(props))
	}
	return list, nil
}

func infoForProperties(props driver.Properties) DeviceInfo {
	return DeviceInfo{
		Ordinal:         props.Ordinal,
		Name:            props.Name,
		Major:           props.Major,
		Minor:           props.Minor,
		TotalMem:        props.TotalMem,
		MultiProcessors: props.MultiProcessors,
		Supported:       props.Major >= 2,
		Bindless:        props.Major >= 3,
		Display:         props.KernelExecTimeout && !props.ComputePreemption,
	}
}
