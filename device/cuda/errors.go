package cuda

import "errors"

var (
	// ErrUnsupportedDevice is returned when the selected device does not
	// meet the minimum compute capability requirement.
	ErrUnsupportedDevice = errors.New("cuda device: compute capability 2.0 or higher is required")

	// ErrDeviceClosed is returned when an operation is attempted on a
	// device that has already been closed.
	ErrDeviceClosed = errors.New("cuda device: device is closed")

	// ErrKernelsNotLoaded is returned when an operation requires kernels
	// that have not been loaded yet.
	ErrKernelsNotLoaded = errors.New("cuda device: kernels have not been loaded")

	// ErrStaleResource is returned when a memory region references a
	// resource table entry that has been freed or recycled.
	ErrStaleResource = errors.New("cuda device: stale resource handle")

	// ErrNotAllocated is returned when an operation requires device
	// storage that has not been allocated.
	ErrNotAllocated = errors.New("cuda device: region has no device storage")

	// ErrNvccNotFound is returned when kernels must be compiled but no
	// nvcc binary could be located.
	ErrNvccNotFound = errors.New("cuda device: nvcc not found; install the CUDA toolkit or add it to PATH")

	// ErrMissingCubin is returned when kernel compilation reported
	// success but produced no output file.
	ErrMissingCubin = errors.New("cuda device: kernel compilation produced no output")
)

// troubleshootingURL is logged once when a device records its first error.
const troubleshootingURL = "https://github.com/achilleasa/borealis/wiki/GPU-troubleshooting"
