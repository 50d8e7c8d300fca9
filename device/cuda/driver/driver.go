// Package driver wraps the CUDA driver API surface the backend needs. Builds
// carrying the cuda tag link against libcuda through cgo; all other builds
// get a software implementation backed by the sim kernel library so the rest
// of the stack can run and be tested on machines without a GPU.
package driver

import "errors"

var (
	ErrNotInitialized = errors.New("driver: not initialized")
	ErrInvalidDevice  = errors.New("driver: invalid device ordinal")
	ErrOutOfMemory    = errors.New("driver: out of device memory")
	ErrInvalidValue   = errors.New("driver: invalid value")
	ErrNoInterop      = errors.New("driver: OpenGL interop not supported")
)

// Address in device memory.
type DevicePtr uint64

// Kernel launch geometry.
type Dim3 struct {
	X, Y, Z int
}

// Static properties of a compute device.
type Properties struct {
	Ordinal           int
	Name              string
	Major             int
	Minor             int
	TotalMem          int64
	MultiProcessors   int
	KernelExecTimeout bool
	ComputePreemption bool
}

// Texel storage format.
type Format int

const (
	FormatUint8 Format = iota
	FormatUint16
	FormatHalf
	FormatFloat32
)

// Byte size of one channel element.
func (f Format) Size() int64 {
	switch f {
	case FormatUint8:
		return 1
	case FormatUint16, FormatHalf:
		return 2
	case FormatFloat32:
		return 4
	}
	panic("driver: unsupported texel format")
}

// Texture sampling filter.
type FilterMode int

const (
	FilterPoint FilterMode = iota
	FilterLinear
)

// Texture coordinate wrapping behavior.
type AddressMode int

const (
	AddressWrap AddressMode = iota
	AddressClamp
	AddressBorder
)

// Shape of a CUDA array backing a filtered texture.
type ArrayDesc struct {
	Width    int64
	Height   int64
	Format   Format
	Channels int
}

// Byte size of the described array.
func (d ArrayDesc) Size() int64 {
	height := d.Height
	if height == 0 {
		height = 1
	}
	return d.Width * height * d.Format.Size() * int64(d.Channels)
}

// Sampling state for a bindless texture object.
type TexDesc struct {
	Filter           FilterMode
	Address          [3]AddressMode
	NormalizedCoords bool
}

// Memory feeding a bindless texture object. Exactly one of Array or Ptr is
// set; linear memory additionally carries its element layout.
type ResourceDesc struct {
	Array    *Array
	Ptr      DevicePtr
	Format   Format
	Channels int
	Size     int64
}

// Bindless texture handle.
type TexObject uint64
