package cuda

import (
	"fmt"
	"sync"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// A resourceSlot tracks one live device allocation together with everything
// needed to release it again.
type resourceSlot struct {
	generation uint32
	live       bool

	name string
	kind device.MemKind
	size int64

	// Linear device storage; zero for array-backed textures and for
	// zero-sized regions.
	ptr driver.DevicePtr

	// Image texture state.
	array *driver.Array
	tex   driver.TexObject

	// 1-based index into the texture info table, 0 when the texture
	// occupies no bindless slot.
	infoSlot int

	// Pixel buffer interop state.
	gl *driver.GLResource
}

// A resourceTable maps the opaque resource ids stored in memory regions to
// live device allocations. Ids pack the slot index with a generation counter
// so that a handle kept across a Free/Alloc cycle is rejected instead of
// silently resolving to recycled storage.
type resourceTable struct {
	mu    sync.Mutex
	slots []resourceSlot
	free  []int
	stats device.MemoryStats
}

// Register a slot and mint an id for it.
func (t *resourceTable) insert(slot resourceSlot) device.ResourceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index int
	if last := len(t.free) - 1; last >= 0 {
		index = t.free[last]
		t.free = t.free[:last]
	} else {
		t.slots = append(t.slots, resourceSlot{})
		index = len(t.slots) - 1
	}

	slot.generation = t.slots[index].generation + 1
	slot.live = true
	t.slots[index] = slot
	t.stats.Add(slot.size)

	return device.ResourceID(uint64(index+1)<<32 | uint64(slot.generation))
}

// Resolve an id to its live slot.
func (t *resourceTable) lookup(id device.ResourceID) (*resourceSlot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == 0 {
		return nil, ErrNotAllocated
	}

	index := int(uint64(id) >> 32)
	if index < 1 || index > len(t.slots) {
		return nil, ErrStaleResource
	}

	slot := &t.slots[index-1]
	if !slot.live || slot.generation != uint32(id) {
		return nil, ErrStaleResource
	}
	return slot, nil
}

// Retire an id and return a copy of its slot so the caller can release the
// held driver objects. The slot index becomes available for reuse under the
// next generation.
func (t *resourceTable) remove(id device.ResourceID) (resourceSlot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := int(uint64(id) >> 32)
	if index < 1 || index > len(t.slots) {
		return resourceSlot{}, ErrStaleResource
	}

	slot := t.slots[index-1]
	if !slot.live || slot.generation != uint32(id) {
		return resourceSlot{}, ErrStaleResource
	}

	t.slots[index-1].live = false
	t.free = append(t.free, index-1)
	t.stats.Sub(slot.size)
	return slot, nil
}

// Retire every live slot and return the copies. Used during device shutdown.
func (t *resourceTable) removeAll() []resourceSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []resourceSlot
	for i := range t.slots {
		if !t.slots[i].live {
			continue
		}
		out = append(out, t.slots[i])
		t.slots[i].live = false
		t.free = append(t.free, i)
		t.stats.Sub(t.slots[i].size)
	}
	return out
}

// Number of live slots.
func (t *resourceTable) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for i := range t.slots {
		if t.slots[i].live {
			count++
		}
	}
	return count
}

// allocRegion reserves device storage for a region based on its kind. A
// region that is already allocated is released first.
func (d *cudaDevice) allocRegion(r *device.MemRegion) error {
	if r.Allocated() {
		d.freeRegion(r)
	}

	switch r.Kind {
	case device.KindTexture:
		return d.allocTexture(r)
	case device.KindPixels:
		return d.allocPixels(r)
	case device.KindConstant:
		// Constants live in module globals and own no storage.
		return nil
	default:
		return d.allocGeneric(r)
	}
}

// allocGeneric reserves plain linear storage for a region. Zero-sized
// regions are tracked in the resource table without any device storage.
func (d *cudaDevice) allocGeneric(r *device.MemRegion) error {
	size := r.Size()

	var ptr driver.DevicePtr
	if size > 0 {
		var err error
		if ptr, err = d.ctx.MemAlloc(size); err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to allocate %s for %q: %v", device.FormatBytes(size), r.Name, err))
		}
	}

	r.ID = d.resources.insert(resourceSlot{
		name: r.Name,
		kind: r.Kind,
		size: size,
		ptr:  ptr,
	})
	return nil
}

// copyToDevice uploads the full host buffer, allocating device storage
// first when the region has none.
func (d *cudaDevice) copyToDevice(r *device.MemRegion) error {
	if r.Kind == device.KindConstant {
		return d.copyConstant(r)
	}

	if !r.Allocated() {
		if err := d.allocRegion(r); err != nil {
			return err
		}
	}

	slot, err := d.resources.lookup(r.ID)
	if err != nil {
		return d.fail(err)
	}

	data := r.HostBytes()
	if len(data) == 0 {
		return nil
	}
	if slot.array == nil && int64(len(data)) > slot.size {
		return d.fail(fmt.Errorf("cuda device: %q carries %s but its allocation holds %s", r.Name, device.FormatBytes(int64(len(data))), device.FormatBytes(slot.size)))
	}

	if slot.array != nil {
		err = d.ctx.MemcpyHtoA(slot.array, 0, data)
	} else if slot.ptr != 0 {
		err = d.ctx.MemcpyHtoD(slot.ptr, data)
	}
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to upload %q: %v", r.Name, err))
	}
	return nil
}

// copyConstant writes the host buffer into the kernel module global named
// by the region. Constant regions never own device storage; the modules
// reserve the space and every loaded module receives the same values.
func (d *cudaDevice) copyConstant(r *device.MemRegion) error {
	if d.kernels == nil {
		return d.fail(ErrKernelsNotLoaded)
	}
	data := r.HostBytes()
	if len(data) == 0 {
		return nil
	}

	for _, mod := range []*driver.Module{d.kernels.render, d.kernels.split} {
		if mod == nil {
			continue
		}
		ptr, size, err := mod.Global(r.Name)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to resolve constant %q: %v", r.Name, err))
		}
		if int64(len(data)) > size {
			return d.fail(fmt.Errorf("cuda device: constant %q carries %s but the module reserves %s", r.Name, device.FormatBytes(int64(len(data))), device.FormatBytes(size)))
		}
		if err = d.ctx.MemcpyHtoD(ptr, data); err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to upload constant %q: %v", r.Name, err))
		}
	}
	return nil
}

// copyFromDevice reads h rows of w elements starting at row y back into the
// host buffer at the matching contiguous offset. For 2D regions wider than
// the requested window the rows are gathered from the pitched device layout
// and packed. Reading a never-allocated region zero-fills the destination.
func (d *cudaDevice) copyFromDevice(r *device.MemRegion, y, w, h int, elemSize int64) error {
	host := r.HostBytes()
	if host == nil || w <= 0 || h <= 0 {
		return nil
	}

	rowBytes := int64(w) * elemSize
	offset := int64(y) * rowBytes
	length := int64(h) * rowBytes
	if offset+length > int64(len(host)) {
		return d.fail(fmt.Errorf("cuda device: read of %q overflows its host buffer", r.Name))
	}
	window := host[offset : offset+length]

	if !r.Allocated() {
		for i := range window {
			window[i] = 0
		}
		return nil
	}

	slot, err := d.resources.lookup(r.ID)
	if err != nil {
		return d.fail(err)
	}
	if slot.ptr == 0 {
		return d.fail(fmt.Errorf("cuda device: %q has no linear device storage to read from", r.Name))
	}

	pitch := r.Width * elemSize
	if r.Height > 0 && int64(w) < r.Width {
		src := slot.ptr + driver.DevicePtr(int64(y)*pitch)
		err = d.ctx.MemcpyDtoH2D(window, src, pitch, rowBytes, int64(h))
	} else {
		src := slot.ptr + driver.DevicePtr(offset)
		err = d.ctx.MemcpyDtoH(window, src)
	}
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to read back %q: %v", r.Name, err))
	}
	return nil
}

// zeroRegion clears the device and host copies, allocating device storage
// first when the region has none.
func (d *cudaDevice) zeroRegion(r *device.MemRegion) error {
	if r.Kind == device.KindConstant {
		host := r.HostBytes()
		for i := range host {
			host[i] = 0
		}
		if d.kernels != nil {
			return d.copyConstant(r)
		}
		return nil
	}

	if !r.Allocated() {
		if err := d.allocRegion(r); err != nil {
			return err
		}
	}

	slot, err := d.resources.lookup(r.ID)
	if err != nil {
		return d.fail(err)
	}
	if slot.ptr != 0 && slot.size > 0 {
		if err = d.ctx.MemsetD8(slot.ptr, 0, slot.size); err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to zero %q: %v", r.Name, err))
		}
	}

	host := r.HostBytes()
	for i := range host {
		host[i] = 0
	}
	return nil
}

// freeRegion releases the device storage held by a region. Freeing an
// unallocated or stale region is a no-op.
func (d *cudaDevice) freeRegion(r *device.MemRegion) {
	if !r.Allocated() {
		return
	}

	slot, err := d.resources.remove(r.ID)
	r.ID = 0
	if err != nil {
		return
	}
	d.releaseSlot(&slot)
}

// releaseSlot returns the driver objects held by a slot. Failures are
// logged instead of recorded: release runs on cleanup paths where the
// root cause has already been captured.
func (d *cudaDevice) releaseSlot(slot *resourceSlot) {
	if slot.tex != 0 {
		if err := d.ctx.TexObjectDestroy(slot.tex); err != nil {
			d.logger.Warningf("failed to destroy texture object for %q: %v", slot.name, err)
		}
	}
	if slot.infoSlot > 0 {
		d.textures.releaseSlot(slot.infoSlot - 1)
	}
	if slot.array != nil {
		if err := slot.array.Destroy(); err != nil {
			d.logger.Warningf("failed to destroy array for %q: %v", slot.name, err)
		}
	}
	if slot.gl != nil {
		if err := slot.gl.Unregister(); err != nil {
			d.logger.Warningf("failed to unregister pixel buffer for %q: %v", slot.name, err)
		}
	}
	if slot.ptr != 0 {
		if err := d.ctx.MemFree(slot.ptr); err != nil {
			d.logger.Warningf("failed to free device memory for %q: %v", slot.name, err)
		}
	}
}
