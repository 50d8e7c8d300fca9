package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// allocPixels reserves storage for a display pixel region. When the region
// names a live OpenGL buffer and interop is available the buffer is
// registered with the context so conversions write straight into it. A
// single registration failure disables interop for the rest of the device's
// lifetime and every pixel region falls back to plain linear storage read
// back through the host.
func (d *cudaDevice) allocPixels(r *device.MemRegion) error {
	if r.GLBuffer != 0 && driver.GLInteropSupported() && !d.interopBroken {
		gl, err := d.ctx.RegisterGLBuffer(r.GLBuffer)
		if err == nil {
			r.ID = d.resources.insert(resourceSlot{
				name: r.Name,
				kind: r.Kind,
				gl:   gl,
			})
			return nil
		}

		d.interopBroken = true
		d.logger.Warningf("failed to share pixel buffer %q with OpenGL: %v; falling back to host copies", r.Name, err)
	}
	return d.allocGeneric(r)
}

// DisplayInterop reports whether pixel regions are currently shared with the
// OpenGL context. Callers displaying converted pixels use this to decide
// between sourcing the shared buffer and re-uploading the host copy.
func (d *cudaDevice) DisplayInterop() bool {
	return driver.GLInteropSupported() && !d.interopBroken
}

// mapPixels resolves the device pointer a conversion kernel should write
// displayable pixels into. For interop-backed regions this maps the GL
// buffer; the returned release func unmaps it again. Generic regions hand
// out their linear storage with a no-op release.
func (d *cudaDevice) mapPixels(slot *resourceSlot, need int64) (driver.DevicePtr, func(), error) {
	if slot.gl != nil {
		ptr, size, err := slot.gl.Map()
		if err != nil {
			return 0, nil, fmt.Errorf("cuda device: failed to map pixel buffer %q: %v", slot.name, err)
		}
		if size < need {
			slot.gl.Unmap()
			return 0, nil, errPixelsTooSmall(slot.name, size, need)
		}
		release := func() {
			if err := slot.gl.Unmap(); err != nil {
				d.logger.Warningf("failed to unmap pixel buffer %q: %v", slot.name, err)
			}
		}
		return ptr, release, nil
	}

	if slot.size < need {
		return 0, nil, errPixelsTooSmall(slot.name, slot.size, need)
	}
	return slot.ptr, func() {}, nil
}
