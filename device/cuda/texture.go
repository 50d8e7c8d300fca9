package cuda

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

const (
	// The texture info table grows in chunks so repeated scene updates do
	// not reallocate it once per texture.
	textureInfoChunk = 128

	// Encoded size of one texture info entry in bytes.
	textureInfoBytes = 32
)

// A textureInfo entry describes one bindless image texture to the kernels:
// the texture object handle, its dimensions and its sampling modes.
type textureInfo struct {
	data          uint64
	width         uint32
	height        uint32
	depth         uint32
	interpolation uint32
	extension     uint32
}

// A textureTable manages the bindless texture slots exposed to the kernels
// through the texture info module global. Freed slots are recycled before
// the table grows.
type textureTable struct {
	infos []textureInfo
	free  []int
	used  int
	dirty bool

	// Device-side copy of the table.
	tablePtr driver.DevicePtr
	tableCap int
}

// Reserve a slot, growing the table when no freed slot can be recycled.
func (t *textureTable) acquireSlot() int {
	if last := len(t.free) - 1; last >= 0 {
		slot := t.free[last]
		t.free = t.free[:last]
		return slot
	}

	slot := t.used
	t.used++
	if t.used > len(t.infos) {
		grown := make([]textureInfo, roundUp(t.used, textureInfoChunk))
		copy(grown, t.infos)
		t.infos = grown
	}
	return slot
}

// Fill a reserved slot and mark the table for re-upload.
func (t *textureTable) setInfo(slot int, info textureInfo) {
	t.infos[slot] = info
	t.dirty = true
}

// Return a slot to the free list.
func (t *textureTable) releaseSlot(slot int) {
	t.infos[slot] = textureInfo{}
	t.free = append(t.free, slot)
	t.dirty = true
}

// Encode the table for upload.
func (t *textureTable) encode() []byte {
	buf := make([]byte, len(t.infos)*textureInfoBytes)
	for i, info := range t.infos {
		base := i * textureInfoBytes
		binary.LittleEndian.PutUint64(buf[base:], info.data)
		binary.LittleEndian.PutUint32(buf[base+8:], info.width)
		binary.LittleEndian.PutUint32(buf[base+12:], info.height)
		binary.LittleEndian.PutUint32(buf[base+16:], info.depth)
		binary.LittleEndian.PutUint32(buf[base+20:], info.interpolation)
		binary.LittleEndian.PutUint32(buf[base+24:], info.extension)
	}
	return buf
}

// uploadTextureInfo pushes the texture info table to the device if any slot
// changed since the last upload. Called before kernel launches so the
// kernels never sample through a stale table.
func (d *cudaDevice) uploadTextureInfo() error {
	t := &d.textures
	if !t.dirty || d.kernels == nil {
		return nil
	}
	if len(t.infos) == 0 {
		t.dirty = false
		return nil
	}

	if t.tableCap < len(t.infos) {
		if t.tablePtr != 0 {
			if err := d.ctx.MemFree(t.tablePtr); err != nil {
				d.logger.Warningf("failed to free texture info table: %v", err)
			}
		}

		ptr, err := d.ctx.MemAlloc(int64(len(t.infos)) * textureInfoBytes)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to allocate texture info table: %v", err))
		}
		t.tablePtr = ptr
		t.tableCap = len(t.infos)

		if err = d.writeGlobalPointer(texInfoGlobal, ptr); err != nil {
			return err
		}
	}

	if err := d.ctx.MemcpyHtoD(t.tablePtr, t.encode()); err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to upload texture info table: %v", err))
	}
	t.dirty = false
	return nil
}

// writeGlobalPointer stores a device pointer into a module-scope global of
// the render module.
func (d *cudaDevice) writeGlobalPointer(name string, ptr driver.DevicePtr) error {
	global, size, err := d.kernels.render.Global(name)
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to resolve module global %q: %v", name, err))
	}
	if size < 8 {
		return d.fail(fmt.Errorf("cuda device: module global %q cannot hold a pointer", name))
	}

	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(ptr))
	if err = d.ctx.MemcpyHtoD(global, raw[:]); err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to write module global %q: %v", name, err))
	}
	return nil
}

// allocTexture reserves storage for a texture region and binds it to the
// kernels. Data textures bind through a module-scope pointer; sampled image
// textures bind through a bindless slot on capable devices and through a
// named texture reference on older ones.
func (d *cudaDevice) allocTexture(r *device.MemRegion) error {
	if d.kernels == nil {
		return d.fail(ErrKernelsNotLoaded)
	}

	if r.Interpolation == device.InterpNone {
		return d.allocDataTexture(r)
	}
	if d.props.Major >= 3 {
		return d.allocBindlessTexture(r)
	}
	return d.allocTexRefTexture(r)
}

func (d *cudaDevice) allocDataTexture(r *device.MemRegion) error {
	size := r.Size()

	var ptr driver.DevicePtr
	if size > 0 {
		var err error
		if ptr, err = d.ctx.MemAlloc(size); err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to allocate %s for %q: %v", device.FormatBytes(size), r.Name, err))
		}
		if err = d.writeGlobalPointer(r.Name, ptr); err != nil {
			if freeErr := d.ctx.MemFree(ptr); freeErr != nil {
				d.logger.Warningf("failed to free device memory for %q: %v", r.Name, freeErr)
			}
			return err
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

func (d *cudaDevice) allocBindlessTexture(r *device.MemRegion) error {
	format, err := textureFormat(r.Type)
	if err != nil {
		return d.fail(err)
	}

	texDesc := driver.TexDesc{
		Filter:           filterMode(r.Interpolation),
		NormalizedCoords: true,
	}
	for dim := range texDesc.Address {
		texDesc.Address[dim] = addressMode(r.Extension)
	}

	slot := resourceSlot{name: r.Name, kind: r.Kind}
	if r.Height > 0 {
		desc := driver.ArrayDesc{
			Width:    r.Width,
			Height:   r.Height,
			Format:   format,
			Channels: int(r.Channels),
		}
		array, err := d.ctx.ArrayCreate(desc)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to create array for %q: %v", r.Name, err))
		}

		tex, err := d.ctx.TexObjectCreate(driver.ResourceDesc{Array: array}, texDesc)
		if err != nil {
			if destroyErr := array.Destroy(); destroyErr != nil {
				d.logger.Warningf("failed to destroy array for %q: %v", r.Name, destroyErr)
			}
			return d.fail(fmt.Errorf("cuda device: failed to create texture object for %q: %v", r.Name, err))
		}
		slot.array, slot.tex, slot.size = array, tex, desc.Size()
	} else {
		size := r.Size()
		ptr, err := d.ctx.MemAlloc(size)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to allocate %s for %q: %v", device.FormatBytes(size), r.Name, err))
		}

		res := driver.ResourceDesc{
			Ptr:      ptr,
			Format:   format,
			Channels: int(r.Channels),
			Size:     size,
		}
		tex, err := d.ctx.TexObjectCreate(res, texDesc)
		if err != nil {
			if freeErr := d.ctx.MemFree(ptr); freeErr != nil {
				d.logger.Warningf("failed to free device memory for %q: %v", r.Name, freeErr)
			}
			return d.fail(fmt.Errorf("cuda device: failed to create texture object for %q: %v", r.Name, err))
		}
		slot.ptr, slot.tex, slot.size = ptr, tex, size
	}

	infoSlot := d.textures.acquireSlot()
	d.textures.setInfo(infoSlot, textureInfo{
		data:          uint64(slot.tex),
		width:         uint32(r.Width),
		height:        uint32(r.Height),
		depth:         uint32(r.Depth),
		interpolation: uint32(r.Interpolation),
		extension:     uint32(r.Extension),
	})
	slot.infoSlot = infoSlot + 1

	r.ID = d.resources.insert(slot)
	return nil
}

func (d *cudaDevice) allocTexRefTexture(r *device.MemRegion) error {
	format, err := textureFormat(r.Type)
	if err != nil {
		return d.fail(err)
	}

	ref, err := d.kernels.render.TexRef(r.Name)
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to resolve texture reference %q: %v", r.Name, err))
	}

	slot := resourceSlot{name: r.Name, kind: r.Kind}
	if r.Height > 0 {
		desc := driver.ArrayDesc{
			Width:    r.Width,
			Height:   r.Height,
			Format:   format,
			Channels: int(r.Channels),
		}
		array, err := d.ctx.ArrayCreate(desc)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to create array for %q: %v", r.Name, err))
		}
		if err = ref.SetArray(array); err != nil {
			if destroyErr := array.Destroy(); destroyErr != nil {
				d.logger.Warningf("failed to destroy array for %q: %v", r.Name, destroyErr)
			}
			return d.fail(fmt.Errorf("cuda device: failed to bind array for %q: %v", r.Name, err))
		}
		slot.array, slot.size = array, desc.Size()
	} else {
		size := r.Size()
		ptr, err := d.ctx.MemAlloc(size)
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to allocate %s for %q: %v", device.FormatBytes(size), r.Name, err))
		}
		if err = ref.SetAddress(ptr, size); err != nil {
			if freeErr := d.ctx.MemFree(ptr); freeErr != nil {
				d.logger.Warningf("failed to free device memory for %q: %v", r.Name, freeErr)
			}
			return d.fail(fmt.Errorf("cuda device: failed to bind address for %q: %v", r.Name, err))
		}
		slot.ptr, slot.size = ptr, size
	}

	if err = ref.SetFormat(format, int(r.Channels)); err == nil {
		err = ref.SetFilterMode(filterMode(r.Interpolation))
	}
	if err == nil {
		err = ref.SetNormalizedCoords(true)
	}
	for dim := 0; err == nil && dim < 3; dim++ {
		err = ref.SetAddressMode(dim, addressMode(r.Extension))
	}
	if err != nil {
		d.releaseSlot(&slot)
		return d.fail(fmt.Errorf("cuda device: failed to configure texture reference %q: %v", r.Name, err))
	}

	r.ID = d.resources.insert(slot)
	return nil
}

// Map a region data type to the matching driver texture format. Integer
// types have no sampled representation.
func textureFormat(t device.DataType) (driver.Format, error) {
	switch t {
	case device.TypeUChar:
		return driver.FormatUint8, nil
	case device.TypeHalf:
		return driver.FormatHalf, nil
	case device.TypeFloat:
		return driver.FormatFloat32, nil
	}
	return 0, fmt.Errorf("cuda device: data type %d cannot back a sampled texture", uint8(t))
}

func filterMode(interp device.Interpolation) driver.FilterMode {
	if interp == device.InterpClosest {
		return driver.FilterPoint
	}
	return driver.FilterLinear
}

func addressMode(ext device.Extension) driver.AddressMode {
	switch ext {
	case device.ExtendExtend:
		return driver.AddressClamp
	case device.ExtendClip:
		return driver.AddressBorder
	}
	return driver.AddressWrap
}
