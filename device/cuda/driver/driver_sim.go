//go:build !cuda

package driver

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/achilleasa/borealis/device/cuda/driver/sim"
)

// The software build exposes two virtual devices so both the bindless and
// the legacy texture reference paths stay reachable: a Maxwell class compute
// device and a Fermi class device that doubles as a display adapter.
var simDevices = []Properties{
	{
		Ordinal:           0,
		Name:              "Virtual GPU (SM 5.2)",
		Major:             5,
		Minor:             2,
		TotalMem:          64 << 20,
		MultiProcessors:   8,
		KernelExecTimeout: false,
		ComputePreemption: true,
	},
	{
		Ordinal:           1,
		Name:              "Virtual GPU (SM 2.1)",
		Major:             2,
		Minor:             1,
		TotalMem:          32 << 20,
		MultiProcessors:   4,
		KernelExecTimeout: true,
		ComputePreemption: false,
	},
}

// The context-current stacks are kept per thread, matching the real driver:
// a device worker pushing its context never disturbs the scopes of a worker
// on another thread.
var driverState = struct {
	sync.Mutex
	initialized bool
	stacks      map[uint64][]*Context
}{
	stacks: make(map[uint64][]*Context),
}

// currentThreadID identifies the calling thread. Scoped driver calls come
// from goroutines locked to their OS thread, so the goroutine id stands in
// for the thread the context stack is keyed on.
func currentThreadID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// The trace leads with "goroutine <id> [".
	fields := strings.Fields(string(buf[:n]))
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

// Initialize the driver. Must be called before any other entry point.
func Init() error {
	driverState.Lock()
	driverState.initialized = true
	driverState.Unlock()
	return nil
}

// Get the number of compute devices.
func DeviceCount() (int, error) {
	driverState.Lock()
	defer driverState.Unlock()
	if !driverState.initialized {
		return 0, ErrNotInitialized
	}
	return len(simDevices), nil
}

// Get the static properties of a device.
func DeviceProperties(ordinal int) (Properties, error) {
	driverState.Lock()
	defer driverState.Unlock()
	if !driverState.initialized {
		return Properties{}, ErrNotInitialized
	}
	if ordinal < 0 || ordinal >= len(simDevices) {
		return Properties{}, ErrInvalidDevice
	}
	return simDevices[ordinal], nil
}

// Report whether this build can share buffers with OpenGL.
func GLInteropSupported() bool {
	return false
}

// One device memory allocation.
type allocation struct {
	base DevicePtr
	data []byte
}

// Context models one device context backed by host memory. Device pointers
// are handed out by a bump allocator; interior pointers resolve back to the
// covering allocation.
type Context struct {
	mu        sync.Mutex
	props     Properties
	destroyed bool
	nextPtr   DevicePtr
	used      int64
	allocs    []*allocation
	texs      map[TexObject]texObjectState
	nextTex   TexObject
}

type texObjectState struct {
	res  ResourceDesc
	desc TexDesc
}

// Create a context on the given device. The new context is not current;
// push it before issuing work.
func NewContext(ordinal int) (*Context, error) {
	props, err := DeviceProperties(ordinal)
	if err != nil {
		return nil, err
	}
	return &Context{
		props:   props,
		nextPtr: 0x10000,
		texs:    make(map[TexObject]texObjectState),
		nextTex: 1,
	}, nil
}

// Destroy the context and release everything allocated against it.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: context already destroyed")
	}
	c.destroyed = true
	c.allocs = nil
	c.texs = nil
	c.used = 0

	driverState.Lock()
	for tid, stack := range driverState.stacks {
		filtered := stack[:0]
		for _, ctx := range stack {
			if ctx != c {
				filtered = append(filtered, ctx)
			}
		}
		if len(filtered) == 0 {
			delete(driverState.stacks, tid)
		} else {
			driverState.stacks[tid] = filtered
		}
	}
	driverState.Unlock()
	return nil
}

// Make the context current on the calling thread.
func (c *Context) PushCurrent() error {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return fmt.Errorf("driver: push on destroyed context")
	}

	tid := currentThreadID()
	driverState.Lock()
	driverState.stacks[tid] = append(driverState.stacks[tid], c)
	driverState.Unlock()
	return nil
}

// Pop the context off the calling thread's stack. The receiver must be the
// innermost current context on that thread, anything else indicates an
// unbalanced scope.
func (c *Context) PopCurrent() error {
	tid := currentThreadID()
	driverState.Lock()
	defer driverState.Unlock()
	stack := driverState.stacks[tid]
	if len(stack) == 0 {
		return fmt.Errorf("driver: pop with no current context")
	}
	if stack[len(stack)-1] != c {
		return fmt.Errorf("driver: pop of a context that is not current")
	}
	if len(stack) == 1 {
		delete(driverState.stacks, tid)
	} else {
		driverState.stacks[tid] = stack[:len(stack)-1]
	}
	return nil
}

// Wait for all queued work to finish.
func (c *Context) Synchronize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: synchronize on destroyed context")
	}
	return nil
}

// Get free and total device memory in bytes.
func (c *Context) MemInfo() (free, total int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, 0, fmt.Errorf("driver: mem info on destroyed context")
	}
	return c.props.TotalMem - c.used, c.props.TotalMem, nil
}

// Allocate size bytes of device memory.
func (c *Context) MemAlloc(size int64) (DevicePtr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, fmt.Errorf("driver: alloc on destroyed context")
	}
	if size <= 0 {
		return 0, ErrInvalidValue
	}
	if c.used+size > c.props.TotalMem {
		return 0, ErrOutOfMemory
	}

	ptr := c.nextPtr
	c.nextPtr += DevicePtr((size + 255) &^ 255)
	c.used += size
	c.allocs = append(c.allocs, &allocation{base: ptr, data: make([]byte, size)})
	return ptr, nil
}

// Free a device allocation. ptr must be an allocation base address.
func (c *Context) MemFree(ptr DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: free on destroyed context")
	}
	for i, alloc := range c.allocs {
		if alloc.base == ptr {
			c.used -= int64(len(alloc.data))
			c.allocs = append(c.allocs[:i], c.allocs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("driver: free of unknown device pointer %#x", uint64(ptr))
}

// Resolve an interior device pointer to a view of its backing allocation.
// Callers must hold c.mu.
func (c *Context) resolveLocked(ptr DevicePtr, size int64) ([]byte, error) {
	index := sort.Search(len(c.allocs), func(i int) bool {
		return c.allocs[i].base > ptr
	})
	if index > 0 {
		alloc := c.allocs[index-1]
		offset := int64(ptr - alloc.base)
		if offset+size <= int64(len(alloc.data)) {
			return alloc.data[offset : offset+size], nil
		}
	}
	return nil, fmt.Errorf("driver: access to unmapped device range [%#x, %#x)", uint64(ptr), uint64(ptr)+uint64(size))
}

// Copy host memory to the device.
func (c *Context) MemcpyHtoD(dst DevicePtr, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: copy on destroyed context")
	}
	view, err := c.resolveLocked(dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(view, src)
	return nil
}

// Copy device memory to the host.
func (c *Context) MemcpyDtoH(dst []byte, src DevicePtr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: copy on destroyed context")
	}
	view, err := c.resolveLocked(src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, view)
	return nil
}

// Copy a 2D region of pitched device memory to tightly packed host memory.
func (c *Context) MemcpyDtoH2D(dst []byte, src DevicePtr, srcPitch, widthBytes, height int64) error {
	if widthBytes > srcPitch {
		return ErrInvalidValue
	}
	if int64(len(dst)) < widthBytes*height {
		return ErrInvalidValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: copy on destroyed context")
	}
	for row := int64(0); row < height; row++ {
		view, err := c.resolveLocked(src+DevicePtr(row*srcPitch), widthBytes)
		if err != nil {
			return err
		}
		copy(dst[row*widthBytes:(row+1)*widthBytes], view)
	}
	return nil
}

// Fill size bytes of device memory with value.
func (c *Context) MemsetD8(ptr DevicePtr, value byte, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: memset on destroyed context")
	}
	view, err := c.resolveLocked(ptr, size)
	if err != nil {
		return err
	}
	for i := range view {
		view[i] = value
	}
	return nil
}

// Compiled kernel module.
type Module struct {
	ctx      *Context
	path     string
	unloaded bool
	globals  map[string]moduleGlobal
	texRefs  map[string]*TexRef
}

type moduleGlobal struct {
	ptr  DevicePtr
	size int64
}

// Module global symbol sizes. KERNEL_TEX style data globals hold a device
// pointer; the constant block holds the kernel data snapshot.
const (
	dataGlobalSize    = 4096
	pointerGlobalSize = 8
)

// Load a compiled kernel module from disk.
func (c *Context) LoadModule(path string) (*Module, error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return nil, fmt.Errorf("driver: module load on destroyed context")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("driver: cannot load module %s: %v", path, err)
	}
	return &Module{
		ctx:     c,
		path:    path,
		globals: make(map[string]moduleGlobal),
		texRefs: make(map[string]*TexRef),
	}, nil
}

// Unload the module.
func (m *Module) Unload() error {
	if m.unloaded {
		return fmt.Errorf("driver: module already unloaded")
	}
	m.unloaded = true
	for _, global := range m.globals {
		if err := m.ctx.MemFree(global.ptr); err != nil {
			return err
		}
	}
	m.globals = nil
	m.texRefs = nil
	return nil
}

// Get a kernel entry point by name.
func (m *Module) Function(name string) (*Function, error) {
	if m.unloaded {
		return nil, fmt.Errorf("driver: function lookup on unloaded module")
	}
	if _, exists := sim.Lookup(name); !exists {
		return nil, fmt.Errorf("driver: module %s has no kernel %q", m.path, name)
	}
	return &Function{mod: m, name: name}, nil
}

// Get the address and size of a module global.
func (m *Module) Global(name string) (DevicePtr, int64, error) {
	if m.unloaded {
		return 0, 0, fmt.Errorf("driver: global lookup on unloaded module")
	}
	if global, exists := m.globals[name]; exists {
		return global.ptr, global.size, nil
	}

	size := int64(pointerGlobalSize)
	if name == "__data" {
		size = dataGlobalSize
	}
	ptr, err := m.ctx.MemAlloc(size)
	if err != nil {
		return 0, 0, err
	}
	m.globals[name] = moduleGlobal{ptr: ptr, size: size}
	return ptr, size, nil
}

// Get a legacy texture reference declared by the module.
func (m *Module) TexRef(name string) (*TexRef, error) {
	if m.unloaded {
		return nil, fmt.Errorf("driver: texture reference lookup on unloaded module")
	}
	if ref, exists := m.texRefs[name]; exists {
		return ref, nil
	}
	ref := &TexRef{mod: m, name: name}
	m.texRefs[name] = ref
	return ref, nil
}

// Kernel entry point.
type Function struct {
	mod  *Module
	name string
}

// Get the launch shape that maximizes occupancy for this kernel.
func (f *Function) MaxPotentialBlockSize() (minGridSize, blockSize int, err error) {
	if f.mod.unloaded {
		return 0, 0, fmt.Errorf("driver: occupancy query on unloaded module")
	}
	return f.mod.ctx.props.MultiProcessors * 4, 128, nil
}

// Launch a kernel. Arguments may be DevicePtr, int32, uint32 or float32.
func (c *Context) Launch(fn *Function, grid, block Dim3, sharedBytes int, args ...interface{}) error {
	if fn == nil {
		return fmt.Errorf("driver: launch of nil function")
	}
	if fn.mod.unloaded {
		return fmt.Errorf("driver: launch on unloaded module")
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 || block.X <= 0 || block.Y <= 0 || block.Z <= 0 {
		return ErrInvalidValue
	}

	simArgs := make([]interface{}, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case DevicePtr:
			simArgs[i] = uint64(v)
		case int32, uint32, float32:
			simArgs[i] = v
		default:
			return fmt.Errorf("driver: unsupported kernel argument type %T", arg)
		}
	}

	kernel, exists := sim.Lookup(fn.name)
	if !exists {
		return fmt.Errorf("driver: unknown kernel %q", fn.name)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("driver: launch on destroyed context")
	}
	view := &memoryView{allocs: append([]*allocation(nil), c.allocs...)}
	c.mu.Unlock()

	return kernel(sim.Grid{
		GridX: grid.X, GridY: grid.Y, GridZ: grid.Z,
		BlockX: block.X, BlockY: block.Y, BlockZ: block.Z,
	}, view, simArgs)
}

// memoryView adapts a snapshot of the context allocation table to the sim
// Memory interface. The backing slices are shared with the context, so
// kernel writes land in device memory.
type memoryView struct {
	allocs []*allocation
}

func (v *memoryView) Bytes(ptr uint64, size int64) ([]byte, error) {
	index := sort.Search(len(v.allocs), func(i int) bool {
		return uint64(v.allocs[i].base) > ptr
	})
	if index > 0 {
		alloc := v.allocs[index-1]
		offset := int64(ptr - uint64(alloc.base))
		if offset+size <= int64(len(alloc.data)) {
			return alloc.data[offset : offset+size], nil
		}
	}
	return nil, fmt.Errorf("sim: access to unmapped device range [%#x, %#x)", ptr, ptr+uint64(size))
}

// CUDA array backing a filtered texture.
type Array struct {
	ctx       *Context
	desc      ArrayDesc
	data      []byte
	destroyed bool
}

// Allocate a CUDA array.
func (c *Context) ArrayCreate(desc ArrayDesc) (*Array, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, fmt.Errorf("driver: array create on destroyed context")
	}
	if desc.Width <= 0 || desc.Channels <= 0 {
		return nil, ErrInvalidValue
	}
	size := desc.Size()
	if c.used+size > c.props.TotalMem {
		return nil, ErrOutOfMemory
	}
	c.used += size
	return &Array{ctx: c, desc: desc, data: make([]byte, size)}, nil
}

// Release the array.
func (a *Array) Destroy() error {
	if a.destroyed {
		return fmt.Errorf("driver: array already destroyed")
	}
	a.destroyed = true
	a.ctx.mu.Lock()
	a.ctx.used -= int64(len(a.data))
	a.ctx.mu.Unlock()
	a.data = nil
	return nil
}

// Get the array shape.
func (a *Array) Desc() ArrayDesc {
	return a.desc
}

// Copy host memory into a CUDA array.
func (c *Context) MemcpyHtoA(dst *Array, offset int64, src []byte) error {
	if dst == nil || dst.destroyed {
		return fmt.Errorf("driver: copy to destroyed array")
	}
	if offset < 0 || offset+int64(len(src)) > int64(len(dst.data)) {
		return ErrInvalidValue
	}
	copy(dst.data[offset:], src)
	return nil
}

// Create a bindless texture object.
func (c *Context) TexObjectCreate(res ResourceDesc, desc TexDesc) (TexObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, fmt.Errorf("driver: texture create on destroyed context")
	}
	if res.Array == nil && res.Ptr == 0 {
		return 0, ErrInvalidValue
	}
	handle := c.nextTex
	c.nextTex++
	c.texs[handle] = texObjectState{res: res, desc: desc}
	return handle, nil
}

// Destroy a bindless texture object.
func (c *Context) TexObjectDestroy(handle TexObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("driver: texture destroy on destroyed context")
	}
	if _, exists := c.texs[handle]; !exists {
		return fmt.Errorf("driver: destroy of unknown texture object %d", handle)
	}
	delete(c.texs, handle)
	return nil
}

// Legacy texture reference bound through module state.
type TexRef struct {
	mod        *Module
	name       string
	array      *Array
	address    DevicePtr
	size       int64
	format     Format
	channels   int
	filter     FilterMode
	addressing [3]AddressMode
	normalized bool
}

// Bind the reference to a CUDA array.
func (r *TexRef) SetArray(a *Array) error {
	if a == nil || a.destroyed {
		return fmt.Errorf("driver: texture reference bind to destroyed array")
	}
	r.array = a
	r.address = 0
	return nil
}

// Bind the reference to linear device memory.
func (r *TexRef) SetAddress(ptr DevicePtr, size int64) error {
	if ptr == 0 || size <= 0 {
		return ErrInvalidValue
	}
	r.address = ptr
	r.size = size
	r.array = nil
	return nil
}

// Set the texel format.
func (r *TexRef) SetFormat(format Format, channels int) error {
	if channels < 1 || channels > 4 {
		return ErrInvalidValue
	}
	r.format = format
	r.channels = channels
	return nil
}

// Set the sampling filter.
func (r *TexRef) SetFilterMode(mode FilterMode) error {
	r.filter = mode
	return nil
}

// Set the wrapping behavior for one texture dimension.
func (r *TexRef) SetAddressMode(dim int, mode AddressMode) error {
	if dim < 0 || dim > 2 {
		return ErrInvalidValue
	}
	r.addressing[dim] = mode
	return nil
}

// Toggle normalized texture coordinates.
func (r *TexRef) SetNormalizedCoords(enabled bool) error {
	r.normalized = enabled
	return nil
}

// Buffer shared with OpenGL. The software build has no GL device, so every
// interop entry point reports ErrNoInterop and callers fall back to plain
// host copies.
type GLResource struct{}

func (c *Context) RegisterGLBuffer(buffer uint32) (*GLResource, error) {
	return nil, ErrNoInterop
}

func (r *GLResource) Map() (DevicePtr, int64, error) {
	return 0, 0, ErrNoInterop
}

func (r *GLResource) Unmap() error {
	return ErrNoInterop
}

func (r *GLResource) Unregister() error {
	return ErrNoInterop
}
