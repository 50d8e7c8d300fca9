package device

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

type MemKind uint8

// The semantic kinds of device memory regions.
const (
	KindGeneric MemKind = iota
	KindTexture
	KindPixels
	KindConstant
)

func (k MemKind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindTexture:
		return "texture"
	case KindPixels:
		return "pixels"
	case KindConstant:
		return "constant"
	}
	panic(fmt.Sprintf("device: unsupported memory kind: %d", uint8(k)))
}

type DataType uint8

// The scalar element types a region can carry.
const (
	TypeUChar DataType = iota
	TypeHalf
	TypeInt
	TypeUInt
	TypeFloat
)

// Get element size in bytes.
func (t DataType) Size() int64 {
	switch t {
	case TypeUChar:
		return 1
	case TypeHalf:
		return 2
	case TypeInt, TypeUInt, TypeFloat:
		return 4
	}
	panic(fmt.Sprintf("device: unsupported data type: %d", uint8(t)))
}

type Interpolation uint8

// Texture interpolation modes.
const (
	InterpNone Interpolation = iota
	InterpClosest
	InterpLinear
	InterpCubic
)

type Extension uint8

// Texture wrap modes for out of bound accesses.
const (
	ExtendRepeat Extension = iota
	ExtendExtend
	ExtendClip
)

// An opaque key identifying device-side storage owned by a device. The zero
// value means no storage is currently allocated.
type ResourceID uint64

// A logical device buffer. The host slice is owned by the caller; the
// device-side storage referenced by ID is owned by the device that allocated
// it. Regions may be reallocated any number of times.
type MemRegion struct {
	// Identifying name, used in log messages and module-scope bindings.
	Name string

	Kind MemKind
	Type DataType

	// Element layout. Height and Depth may be left at zero for linear
	// buffers.
	Channels int32
	Width    int64
	Height   int64
	Depth    int64

	// Host-side copy of the data. Must be a slice backed by contiguous
	// memory or nil.
	Host interface{}

	// Texture sampling modes; ignored for non-texture kinds.
	Interpolation Interpolation
	Extension     Extension

	// OpenGL pixel buffer object backing a pixels region, or zero when the
	// region is not shared with a GL context.
	GLBuffer uint32

	// Device-side resource key. Managed by the owning device; callers must
	// treat it as opaque.
	ID ResourceID
}

// Number of elements in the region.
func (r *MemRegion) Elements() int64 {
	h, d := r.Height, r.Depth
	if h == 0 {
		h = 1
	}
	if d == 0 {
		d = 1
	}
	return r.Width * h * d
}

// Region size in bytes.
func (r *MemRegion) Size() int64 {
	ch := int64(r.Channels)
	if ch == 0 {
		ch = 1
	}
	return r.Elements() * ch * r.Type.Size()
}

// True if device-side storage is currently allocated.
func (r *MemRegion) Allocated() bool {
	return r.ID != 0
}

// Get a byte view of the region's host data. The behavior of this method is
// undefined if Host is assigned a non-slice value or a slice that does not
// use contiguous memory.
func (r *MemRegion) HostBytes() []byte {
	if r.Host == nil {
		return nil
	}

	reflVal := reflect.ValueOf(r.Host)
	if reflVal.Kind() != reflect.Slice || reflVal.Len() == 0 {
		return nil
	}

	numBytes := reflVal.Len() * int(reflVal.Type().Elem().Size())
	return unsafe.Slice((*byte)(unsafe.Pointer(reflVal.Pointer())), numBytes)
}

// Running allocation statistics for one device.
type MemoryStats struct {
	current atomic.Int64
	peak    atomic.Int64
}

// Record an allocation of size bytes.
func (s *MemoryStats) Add(size int64) {
	cur := s.current.Add(size)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Record a release of size bytes.
func (s *MemoryStats) Sub(size int64) {
	s.current.Add(-size)
}

// Currently allocated bytes.
func (s *MemoryStats) Current() int64 {
	return s.current.Load()
}

// Peak allocated bytes.
func (s *MemoryStats) Peak() int64 {
	return s.peak.Load()
}

// Implements Stringer.
func (s *MemoryStats) String() string {
	return fmt.Sprintf("%s used, %s peak", FormatBytes(s.Current()), FormatBytes(s.Peak()))
}

// Format a byte count using binary size suffixes.
func FormatBytes(size int64) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(size)/float64(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(size)/float64(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(size)/float64(1<<10))
	}
	return fmt.Sprintf("%d B", size)
}
