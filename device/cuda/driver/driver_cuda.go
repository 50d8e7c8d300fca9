//go:build cuda

package driver

/*
#cgo LDFLAGS: -lcuda

#include <stddef.h>
#include <stdlib.h>
#include <string.h>

// Minimal CUDA driver API forward declarations to avoid requiring headers at
// compile time. The linker still requires libcuda when building with the
// cuda tag.
typedef int CUresult;
typedef int CUdevice;
typedef unsigned long long CUdeviceptr;
typedef unsigned long long CUtexObject;
typedef struct CUctx_st* CUcontext;
typedef struct CUmod_st* CUmodule;
typedef struct CUfunc_st* CUfunction;
typedef struct CUarray_st* CUarray;
typedef struct CUmipmappedArray_st* CUmipmappedArray;
typedef struct CUtexref_st* CUtexref;
typedef struct CUstream_st* CUstream;
typedef struct CUgraphicsResource_st* CUgraphicsResource;

typedef struct {
	size_t Width;
	size_t Height;
	unsigned int Format;
	unsigned int NumChannels;
} CUDA_ARRAY_DESCRIPTOR;

typedef struct {
	unsigned int resType;
	union {
		struct { CUarray hArray; } array;
		struct { CUmipmappedArray hMipmappedArray; } mipmap;
		struct {
			CUdeviceptr devPtr;
			unsigned int format;
			unsigned int numChannels;
			size_t sizeInBytes;
		} linear;
		struct {
			CUdeviceptr devPtr;
			unsigned int format;
			unsigned int numChannels;
			size_t width;
			size_t height;
			size_t pitchInBytes;
		} pitch2D;
		struct { int reserved[32]; } reserved;
	} res;
	unsigned int flags;
} CUDA_RESOURCE_DESC;

typedef struct {
	unsigned int addressMode[3];
	unsigned int filterMode;
	unsigned int flags;
	unsigned int maxAnisotropy;
	unsigned int mipmapFilterMode;
	float mipmapLevelBias;
	float minMipmapLevelClamp;
	float maxMipmapLevelClamp;
	float borderColor[4];
	int reserved[12];
} CUDA_TEXTURE_DESC;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuGetErrorString(CUresult error, const char** str);
extern CUresult cuDeviceGetCount(int* count);
extern CUresult cuDeviceGet(CUdevice* device, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceGetAttribute(int* value, int attrib, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuCtxCreate_v2(CUcontext* ctx, unsigned int flags, CUdevice dev);
extern CUresult cuCtxDestroy_v2(CUcontext ctx);
extern CUresult cuCtxPushCurrent_v2(CUcontext ctx);
extern CUresult cuCtxPopCurrent_v2(CUcontext* ctx);
extern CUresult cuCtxSynchronize(void);
extern CUresult cuMemGetInfo_v2(size_t* free, size_t* total);
extern CUresult cuMemAlloc_v2(CUdeviceptr* ptr, size_t size);
extern CUresult cuMemFree_v2(CUdeviceptr ptr);
extern CUresult cuMemcpyHtoD_v2(CUdeviceptr dst, const void* src, size_t size);
extern CUresult cuMemcpyDtoH_v2(void* dst, CUdeviceptr src, size_t size);
extern CUresult cuMemsetD8_v2(CUdeviceptr dst, unsigned char value, size_t size);
extern CUresult cuModuleLoad(CUmodule* module, const char* path);
extern CUresult cuModuleUnload(CUmodule module);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule module, const char* name);
extern CUresult cuModuleGetGlobal_v2(CUdeviceptr* ptr, size_t* bytes, CUmodule module, const char* name);
extern CUresult cuModuleGetTexRef(CUtexref* ref, CUmodule module, const char* name);
extern CUresult cuLaunchKernel(CUfunction fn,
	unsigned int gridX, unsigned int gridY, unsigned int gridZ,
	unsigned int blockX, unsigned int blockY, unsigned int blockZ,
	unsigned int sharedBytes, CUstream stream, void** params, void** extra);
extern CUresult cuOccupancyMaxPotentialBlockSize(int* minGridSize, int* blockSize,
	CUfunction fn, void* smemSize, size_t dynamicSmem, int blockSizeLimit);
extern CUresult cuArrayCreate_v2(CUarray* handle, const CUDA_ARRAY_DESCRIPTOR* desc);
extern CUresult cuArrayDestroy(CUarray handle);
extern CUresult cuMemcpyHtoA_v2(CUarray dst, size_t offset, const void* src, size_t size);
extern CUresult cuTexRefSetArray(CUtexref ref, CUarray array, unsigned int flags);
extern CUresult cuTexRefSetAddress_v2(size_t* offset, CUtexref ref, CUdeviceptr ptr, size_t size);
extern CUresult cuTexRefSetFormat(CUtexref ref, unsigned int format, int channels);
extern CUresult cuTexRefSetFilterMode(CUtexref ref, unsigned int mode);
extern CUresult cuTexRefSetAddressMode(CUtexref ref, int dim, unsigned int mode);
extern CUresult cuTexRefSetFlags(CUtexref ref, unsigned int flags);
extern CUresult cuTexObjectCreate(CUtexObject* handle,
	const CUDA_RESOURCE_DESC* res, const CUDA_TEXTURE_DESC* tex, const void* view);
extern CUresult cuTexObjectDestroy(CUtexObject handle);
extern CUresult cuGraphicsGLRegisterBuffer(CUgraphicsResource* res, unsigned int buffer, unsigned int flags);
extern CUresult cuGraphicsMapResources(unsigned int count, CUgraphicsResource* res, CUstream stream);
extern CUresult cuGraphicsUnmapResources(unsigned int count, CUgraphicsResource* res, CUstream stream);
extern CUresult cuGraphicsResourceGetMappedPointer_v2(CUdeviceptr* ptr, size_t* size, CUgraphicsResource res);
extern CUresult cuGraphicsUnregisterResource(CUgraphicsResource res);

static int borealisTexObjectCreateArray(CUtexObject* out, CUarray array,
		unsigned int filterMode, unsigned int am0, unsigned int am1, unsigned int am2,
		unsigned int flags) {
	CUDA_RESOURCE_DESC res;
	CUDA_TEXTURE_DESC tex;
	memset(&res, 0, sizeof(res));
	memset(&tex, 0, sizeof(tex));
	res.resType = 0; // CU_RESOURCE_TYPE_ARRAY
	res.res.array.hArray = array;
	tex.addressMode[0] = am0;
	tex.addressMode[1] = am1;
	tex.addressMode[2] = am2;
	tex.filterMode = filterMode;
	tex.flags = flags;
	return (int)cuTexObjectCreate(out, &res, &tex, 0);
}

static int borealisTexObjectCreateLinear(CUtexObject* out, CUdeviceptr ptr,
		unsigned int format, unsigned int channels, size_t sizeInBytes) {
	CUDA_RESOURCE_DESC res;
	CUDA_TEXTURE_DESC tex;
	memset(&res, 0, sizeof(res));
	memset(&tex, 0, sizeof(tex));
	res.resType = 2; // CU_RESOURCE_TYPE_LINEAR
	res.res.linear.devPtr = ptr;
	res.res.linear.format = format;
	res.res.linear.numChannels = channels;
	res.res.linear.sizeInBytes = sizeInBytes;
	return (int)cuTexObjectCreate(out, &res, &tex, 0);
}

static int borealisArrayCreate(CUarray* out, size_t width, size_t height,
		unsigned int format, unsigned int channels) {
	CUDA_ARRAY_DESCRIPTOR desc;
	desc.Width = width;
	desc.Height = height;
	desc.Format = format;
	desc.NumChannels = channels;
	return (int)cuArrayCreate_v2(out, &desc);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Device attribute identifiers from the driver API.
const (
	attrMultiProcessorCount   = 16
	attrKernelExecTimeout     = 17
	attrComputeCapabilityMajor = 75
	attrComputeCapabilityMinor = 76
	attrComputePreemption      = 90
)

// Driver API status codes mapped onto the package sentinels.
const (
	cudaSuccess            = 0
	cudaErrInvalidValue    = 1
	cudaErrOutOfMemory     = 2
	cudaErrNotInitialized  = 3
	cudaErrInvalidDevice   = 101
)

func result(code C.CUresult) error {
	switch int(code) {
	case cudaSuccess:
		return nil
	case cudaErrInvalidValue:
		return ErrInvalidValue
	case cudaErrOutOfMemory:
		return ErrOutOfMemory
	case cudaErrNotInitialized:
		return ErrNotInitialized
	case cudaErrInvalidDevice:
		return ErrInvalidDevice
	}

	var msg *C.char
	if C.cuGetErrorString(code, &msg) == cudaSuccess && msg != nil {
		return fmt.Errorf("driver: %s (%d)", C.GoString(msg), int(code))
	}
	return fmt.Errorf("driver: error %d", int(code))
}

// Initialize the driver. Must be called before any other entry point.
func Init() error {
	return result(C.cuInit(0))
}

// Get the number of compute devices.
func DeviceCount() (int, error) {
	var count C.int
	if err := result(C.cuDeviceGetCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func deviceAttribute(dev C.CUdevice, attrib int) (int, error) {
	var value C.int
	if err := result(C.cuDeviceGetAttribute(&value, C.int(attrib), dev)); err != nil {
		return 0, err
	}
	return int(value), nil
}

// Get the static properties of a device.
func DeviceProperties(ordinal int) (Properties, error) {
	var dev C.CUdevice
	if err := result(C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return Properties{}, err
	}

	name := make([]C.char, 256)
	if err := result(C.cuDeviceGetName(&name[0], 256, dev)); err != nil {
		return Properties{}, err
	}

	var totalMem C.size_t
	if err := result(C.cuDeviceTotalMem_v2(&totalMem, dev)); err != nil {
		return Properties{}, err
	}

	props := Properties{
		Ordinal:  ordinal,
		Name:     C.GoString(&name[0]),
		TotalMem: int64(totalMem),
	}

	attribs := []struct {
		id  int
		dst *int
	}{
		{attrComputeCapabilityMajor, &props.Major},
		{attrComputeCapabilityMinor, &props.Minor},
		{attrMultiProcessorCount, &props.MultiProcessors},
	}
	for _, attrib := range attribs {
		value, err := deviceAttribute(dev, attrib.id)
		if err != nil {
			return Properties{}, err
		}
		*attrib.dst = value
	}

	timeout, err := deviceAttribute(dev, attrKernelExecTimeout)
	if err != nil {
		return Properties{}, err
	}
	props.KernelExecTimeout = timeout != 0

	preemption, err := deviceAttribute(dev, attrComputePreemption)
	if err != nil {
		return Properties{}, err
	}
	props.ComputePreemption = preemption != 0

	return props, nil
}

// Report whether this build can share buffers with OpenGL.
func GLInteropSupported() bool {
	return true
}

// Context wraps one CUDA driver context.
type Context struct {
	ctx   C.CUcontext
	props Properties
}

// Create a context on the given device. The new context is not current;
// push it before issuing work.
func NewContext(ordinal int) (*Context, error) {
	props, err := DeviceProperties(ordinal)
	if err != nil {
		return nil, err
	}

	var dev C.CUdevice
	if err = result(C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return nil, err
	}

	var ctx C.CUcontext
	if err = result(C.cuCtxCreate_v2(&ctx, 0, dev)); err != nil {
		return nil, err
	}

	// Context creation leaves the context current on this thread.
	var popped C.CUcontext
	if err = result(C.cuCtxPopCurrent_v2(&popped)); err != nil {
		C.cuCtxDestroy_v2(ctx)
		return nil, err
	}

	return &Context{ctx: ctx, props: props}, nil
}

// Destroy the context and release everything allocated against it.
func (c *Context) Destroy() error {
	return result(C.cuCtxDestroy_v2(c.ctx))
}

// Make the context current on the calling thread.
func (c *Context) PushCurrent() error {
	return result(C.cuCtxPushCurrent_v2(c.ctx))
}

// Pop the context off the current stack.
func (c *Context) PopCurrent() error {
	var popped C.CUcontext
	if err := result(C.cuCtxPopCurrent_v2(&popped)); err != nil {
		return err
	}
	if popped != c.ctx {
		return fmt.Errorf("driver: pop of a context that is not current")
	}
	return nil
}

// Wait for all queued work to finish.
func (c *Context) Synchronize() error {
	return result(C.cuCtxSynchronize())
}

// Get free and total device memory in bytes.
func (c *Context) MemInfo() (free, total int64, err error) {
	var cFree, cTotal C.size_t
	if err = result(C.cuMemGetInfo_v2(&cFree, &cTotal)); err != nil {
		return 0, 0, err
	}
	return int64(cFree), int64(cTotal), nil
}

// Allocate size bytes of device memory.
func (c *Context) MemAlloc(size int64) (DevicePtr, error) {
	if size <= 0 {
		return 0, ErrInvalidValue
	}
	var ptr C.CUdeviceptr
	if err := result(C.cuMemAlloc_v2(&ptr, C.size_t(size))); err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

// Free a device allocation.
func (c *Context) MemFree(ptr DevicePtr) error {
	return result(C.cuMemFree_v2(C.CUdeviceptr(ptr)))
}

// Copy host memory to the device.
func (c *Context) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return result(C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

// Copy device memory to the host.
func (c *Context) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return result(C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

// Copy a 2D region of pitched device memory to tightly packed host memory.
func (c *Context) MemcpyDtoH2D(dst []byte, src DevicePtr, srcPitch, widthBytes, height int64) error {
	if widthBytes > srcPitch || int64(len(dst)) < widthBytes*height {
		return ErrInvalidValue
	}
	for row := int64(0); row < height; row++ {
		out := dst[row*widthBytes : (row+1)*widthBytes]
		if err := c.MemcpyDtoH(out, src+DevicePtr(row*srcPitch)); err != nil {
			return err
		}
	}
	return nil
}

// Fill size bytes of device memory with value.
func (c *Context) MemsetD8(ptr DevicePtr, value byte, size int64) error {
	return result(C.cuMemsetD8_v2(C.CUdeviceptr(ptr), C.uchar(value), C.size_t(size)))
}

// Compiled kernel module.
type Module struct {
	ctx *Context
	mod C.CUmodule
}

// Load a compiled kernel module from disk.
func (c *Context) LoadModule(path string) (*Module, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	var mod C.CUmodule
	if err := result(C.cuModuleLoad(&mod, cPath)); err != nil {
		return nil, fmt.Errorf("driver: cannot load module %s: %v", path, err)
	}
	return &Module{ctx: c, mod: mod}, nil
}

// Unload the module.
func (m *Module) Unload() error {
	return result(C.cuModuleUnload(m.mod))
}

// Get a kernel entry point by name.
func (m *Module) Function(name string) (*Function, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var fn C.CUfunction
	if err := result(C.cuModuleGetFunction(&fn, m.mod, cName)); err != nil {
		return nil, fmt.Errorf("driver: no kernel %q: %v", name, err)
	}
	return &Function{mod: m, fn: fn, name: name}, nil
}

// Get the address and size of a module global.
func (m *Module) Global(name string) (DevicePtr, int64, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var ptr C.CUdeviceptr
	var size C.size_t
	if err := result(C.cuModuleGetGlobal_v2(&ptr, &size, m.mod, cName)); err != nil {
		return 0, 0, fmt.Errorf("driver: no global %q: %v", name, err)
	}
	return DevicePtr(ptr), int64(size), nil
}

// Get a legacy texture reference declared by the module.
func (m *Module) TexRef(name string) (*TexRef, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var ref C.CUtexref
	if err := result(C.cuModuleGetTexRef(&ref, m.mod, cName)); err != nil {
		return nil, fmt.Errorf("driver: no texture reference %q: %v", name, err)
	}
	return &TexRef{ref: ref}, nil
}

// Kernel entry point.
type Function struct {
	mod  *Module
	fn   C.CUfunction
	name string
}

// Get the launch shape that maximizes occupancy for this kernel.
func (f *Function) MaxPotentialBlockSize() (minGridSize, blockSize int, err error) {
	var cMinGrid, cBlock C.int
	err = result(C.cuOccupancyMaxPotentialBlockSize(&cMinGrid, &cBlock, f.fn, nil, 0, 0))
	if err != nil {
		return 0, 0, err
	}
	return int(cMinGrid), int(cBlock), nil
}

// Bytes reserved per kernel launch argument slot. Every supported argument
// type fits in eight bytes.
const argSlotSize = 8

// Launch a kernel. Arguments may be DevicePtr, int32, uint32 or float32.
func (c *Context) Launch(fn *Function, grid, block Dim3, sharedBytes int, args ...interface{}) error {
	if fn == nil {
		return fmt.Errorf("driver: launch of nil function")
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 || block.X <= 0 || block.Y <= 0 || block.Z <= 0 {
		return ErrInvalidValue
	}

	// Argument values and the pointer table both live in C memory so the
	// launch never hands the driver a Go pointer.
	var params *unsafe.Pointer
	if len(args) > 0 {
		values := C.malloc(C.size_t(len(args) * argSlotSize))
		table := C.malloc(C.size_t(len(args) * argSlotSize))
		defer C.free(values)
		defer C.free(table)

		for i, arg := range args {
			slot := unsafe.Pointer(uintptr(values) + uintptr(i*argSlotSize))
			entry := (*unsafe.Pointer)(unsafe.Pointer(uintptr(table) + uintptr(i*argSlotSize)))
			*entry = slot

			switch v := arg.(type) {
			case DevicePtr:
				*(*C.CUdeviceptr)(slot) = C.CUdeviceptr(v)
			case int32:
				*(*C.int)(slot) = C.int(v)
			case uint32:
				*(*C.uint)(slot) = C.uint(v)
			case float32:
				*(*C.float)(slot) = C.float(v)
			default:
				return fmt.Errorf("driver: unsupported kernel argument type %T", arg)
			}
		}
		params = (*unsafe.Pointer)(table)
	}

	return result(C.cuLaunchKernel(fn.fn,
		C.uint(grid.X), C.uint(grid.Y), C.uint(grid.Z),
		C.uint(block.X), C.uint(block.Y), C.uint(block.Z),
		C.uint(sharedBytes), nil, params, nil))
}

// CUDA array backing a filtered texture.
type Array struct {
	handle C.CUarray
	desc   ArrayDesc
}

// Driver array format codes.
func (f Format) arrayFormat() C.uint {
	switch f {
	case FormatUint8:
		return 0x01
	case FormatUint16:
		return 0x02
	case FormatHalf:
		return 0x10
	case FormatFloat32:
		return 0x20
	}
	panic("driver: unsupported texel format")
}

// Allocate a CUDA array.
func (c *Context) ArrayCreate(desc ArrayDesc) (*Array, error) {
	if desc.Width <= 0 || desc.Channels <= 0 {
		return nil, ErrInvalidValue
	}
	var handle C.CUarray
	err := result(C.borealisArrayCreate(&handle,
		C.size_t(desc.Width), C.size_t(desc.Height),
		desc.Format.arrayFormat(), C.uint(desc.Channels)))
	if err != nil {
		return nil, err
	}
	return &Array{handle: handle, desc: desc}, nil
}

// Release the array.
func (a *Array) Destroy() error {
	return result(C.cuArrayDestroy(a.handle))
}

// Get the array shape.
func (a *Array) Desc() ArrayDesc {
	return a.desc
}

// Copy host memory into a CUDA array.
func (c *Context) MemcpyHtoA(dst *Array, offset int64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return result(C.cuMemcpyHtoA_v2(dst.handle, C.size_t(offset), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (m FilterMode) driverValue() C.uint {
	if m == FilterLinear {
		return 1
	}
	return 0
}

func (m AddressMode) driverValue() C.uint {
	switch m {
	case AddressClamp:
		return 1
	case AddressBorder:
		return 3
	}
	return 0
}

// Texture flag bits.
const (
	texFlagReadAsInteger    = 0x01
	texFlagNormalizedCoords = 0x02
	texFlagOverrideFormat   = 0x01
)

// Create a bindless texture object.
func (c *Context) TexObjectCreate(res ResourceDesc, desc TexDesc) (TexObject, error) {
	var handle C.CUtexObject
	var flags C.uint
	if desc.NormalizedCoords {
		flags |= texFlagNormalizedCoords
	}

	var err error
	switch {
	case res.Array != nil:
		err = result(C.borealisTexObjectCreateArray(&handle, res.Array.handle,
			desc.Filter.driverValue(),
			desc.Address[0].driverValue(),
			desc.Address[1].driverValue(),
			desc.Address[2].driverValue(),
			flags))
	case res.Ptr != 0:
		err = result(C.borealisTexObjectCreateLinear(&handle,
			C.CUdeviceptr(res.Ptr), res.Format.arrayFormat(),
			C.uint(res.Channels), C.size_t(res.Size)))
	default:
		return 0, ErrInvalidValue
	}
	if err != nil {
		return 0, err
	}
	return TexObject(handle), nil
}

// Destroy a bindless texture object.
func (c *Context) TexObjectDestroy(handle TexObject) error {
	return result(C.cuTexObjectDestroy(C.CUtexObject(handle)))
}

// Legacy texture reference bound through module state.
type TexRef struct {
	ref C.CUtexref
}

// Bind the reference to a CUDA array.
func (r *TexRef) SetArray(a *Array) error {
	return result(C.cuTexRefSetArray(r.ref, a.handle, texFlagOverrideFormat))
}

// Bind the reference to linear device memory.
func (r *TexRef) SetAddress(ptr DevicePtr, size int64) error {
	var offset C.size_t
	return result(C.cuTexRefSetAddress_v2(&offset, r.ref, C.CUdeviceptr(ptr), C.size_t(size)))
}

// Set the texel format.
func (r *TexRef) SetFormat(format Format, channels int) error {
	return result(C.cuTexRefSetFormat(r.ref, format.arrayFormat(), C.int(channels)))
}

// Set the sampling filter.
func (r *TexRef) SetFilterMode(mode FilterMode) error {
	return result(C.cuTexRefSetFilterMode(r.ref, mode.driverValue()))
}

// Set the wrapping behavior for one texture dimension.
func (r *TexRef) SetAddressMode(dim int, mode AddressMode) error {
	return result(C.cuTexRefSetAddressMode(r.ref, C.int(dim), mode.driverValue()))
}

// Toggle normalized texture coordinates.
func (r *TexRef) SetNormalizedCoords(enabled bool) error {
	var flags C.uint = texFlagReadAsInteger
	if enabled {
		flags = texFlagNormalizedCoords
	}
	return result(C.cuTexRefSetFlags(r.ref, flags))
}

// Buffer shared with OpenGL.
type GLResource struct {
	res    C.CUgraphicsResource
	mapped bool
}

// Register an OpenGL buffer object for access from this context.
func (c *Context) RegisterGLBuffer(buffer uint32) (*GLResource, error) {
	var res C.CUgraphicsResource
	if err := result(C.cuGraphicsGLRegisterBuffer(&res, C.uint(buffer), 0)); err != nil {
		return nil, err
	}
	return &GLResource{res: res}, nil
}

// Map the buffer and get its device address.
func (r *GLResource) Map() (DevicePtr, int64, error) {
	if err := result(C.cuGraphicsMapResources(1, &r.res, nil)); err != nil {
		return 0, 0, err
	}
	r.mapped = true

	var ptr C.CUdeviceptr
	var size C.size_t
	if err := result(C.cuGraphicsResourceGetMappedPointer_v2(&ptr, &size, r.res)); err != nil {
		r.Unmap()
		return 0, 0, err
	}
	return DevicePtr(ptr), int64(size), nil
}

// Unmap the buffer so OpenGL can use it again.
func (r *GLResource) Unmap() error {
	if !r.mapped {
		return nil
	}
	r.mapped = false
	return result(C.cuGraphicsUnmapResources(1, &r.res, nil))
}

// Unregister the buffer.
func (r *GLResource) Unregister() error {
	return result(C.cuGraphicsUnregisterResource(r.res))
}
