// Package sim provides software implementations of the kernel entry points
// exported by the CUDA modules. The non-cgo driver build launches these in
// place of hardware kernels so the backend can run on machines without a
// CUDA capable device.
package sim

import (
	"fmt"
	"math"
	"unsafe"
)

// Launch geometry for one kernel invocation.
type Grid struct {
	GridX, GridY, GridZ    int
	BlockX, BlockY, BlockZ int
}

// Total thread count covered by the launch.
func (g Grid) Threads() int {
	return g.GridX * g.GridY * g.GridZ * g.BlockX * g.BlockY * g.BlockZ
}

// Memory resolves device pointers handed to a kernel into byte views of the
// backing allocation.
type Memory interface {
	// Get a size byte view starting at ptr. Interior pointers into an
	// allocation are valid.
	Bytes(ptr uint64, size int64) ([]byte, error)
}

// A software kernel entry point. Pointer arguments arrive as uint64 device
// addresses; scalars keep their launch types.
type Kernel func(g Grid, mem Memory, args []interface{}) error

// Look up a kernel entry point by name.
func Lookup(name string) (Kernel, bool) {
	k, ok := registry[name]
	return k, ok
}

var registry = map[string]Kernel{
	// render module
	"pathTrace":       pathTrace,
	"convertToByte":   convertToByte,
	"convertToHalf":   convertToHalf,
	"shaderEval":      shaderEval,
	"stateBufferSize": stateBufferSize,

	// split render module
	"splitDataInit":           splitDataInit,
	"splitSceneIntersect":     splitAdvance,
	"splitShaderEval":         splitAdvance,
	"splitHoldoutEmission":    splitAdvance,
	"splitDirectLighting":     splitAdvance,
	"splitShadowBlocked":      splitAdvance,
	"splitNextIterationSetup": splitAdvance,
	"splitQueueEnqueue":       splitAdvance,
	"splitBufferUpdate":       splitBufferUpdate,

	// filter module
	"filterCombineHalves":       filterCombineHalves,
	"filterDivideShadow":        filterDivideShadow,
	"filterGetFeature":          filterGetFeature,
	"filterDetectOutliers":      filterDetectOutliers,
	"filterNLMCalcDifference":   filterNLMCalcDifference,
	"filterNLMBlur":             filterNLMBlur,
	"filterNLMCalcWeight":       filterNLMCalcWeight,
	"filterNLMUpdateOutput":     filterNLMUpdateOutput,
	"filterNLMNormalize":        filterNLMNormalize,
	"filterConstructTransform":  filterConstructTransform,
	"filterNLMConstructGramian": filterNLMConstructGramian,
	"filterFinalize":            filterFinalize,
}

// Argument decoding helpers. Kernels fail fast on arity or type mismatches
// since those indicate a broken launch site, not a runtime condition.

func argPtr(args []interface{}, index int) (uint64, error) {
	if index >= len(args) {
		return 0, fmt.Errorf("sim: missing pointer argument %d", index)
	}
	v, ok := args[index].(uint64)
	if !ok {
		return 0, fmt.Errorf("sim: argument %d is not a device pointer", index)
	}
	return v, nil
}

func argI32(args []interface{}, index int) (int32, error) {
	if index >= len(args) {
		return 0, fmt.Errorf("sim: missing int32 argument %d", index)
	}
	switch v := args[index].(type) {
	case int32:
		return v, nil
	case uint32:
		return int32(v), nil
	}
	return 0, fmt.Errorf("sim: argument %d is not a 32 bit integer", index)
}

func argF32(args []interface{}, index int) (float32, error) {
	if index >= len(args) {
		return 0, fmt.Errorf("sim: missing float32 argument %d", index)
	}
	v, ok := args[index].(float32)
	if !ok {
		return 0, fmt.Errorf("sim: argument %d is not a float32", index)
	}
	return v, nil
}

// Get a float32 view over a byte slice.
func floatView(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// Get a uint32 view over a byte slice.
func uintView(data []byte) []uint32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// Resolve a float32 view of count elements at ptr.
func floatsAt(mem Memory, ptr uint64, count int64) ([]float32, error) {
	data, err := mem.Bytes(ptr, count*4)
	if err != nil {
		return nil, err
	}
	return floatView(data), nil
}

func clampi(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Convert a float32 to IEEE 754 half precision bits with round to nearest.
func floatToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits >> 23) & 0xff)
	mant := bits & 0x7fffff

	// Infinities and NaN.
	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}

	halfExp := exp - 127 + 15
	switch {
	case halfExp >= 0x1f:
		return sign | 0x7c00
	case halfExp <= 0:
		if halfExp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - halfExp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}

	half := sign | uint16(halfExp<<10) | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}
