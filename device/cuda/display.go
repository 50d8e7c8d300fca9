package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// Block size for the 1D film conversion launches.
const convertBlockSize = 256

func errPixelsTooSmall(name string, have, need int64) error {
	return fmt.Errorf("cuda device: pixel buffer %q holds %s but the conversion needs %s", name, device.FormatBytes(have), device.FormatBytes(need))
}

// convertToDisplay scales the float accumulator of the source region and
// writes displayable pixels into the target: byte RGBA by default, half
// float RGBA when the task asks for it. Interop-backed targets receive the
// pixels in place; generic targets are read back into their host buffer.
func (d *cudaDevice) convertToDisplay(task *device.DisplayTask) error {
	if d.kernels == nil {
		return d.fail(ErrKernelsNotLoaded)
	}
	pixels := int64(task.W) * int64(task.H)
	if pixels == 0 {
		return nil
	}

	src, err := d.resources.lookup(task.Source.ID)
	if err != nil {
		return d.fail(err)
	}
	dst, err := d.resources.lookup(task.Target.ID)
	if err != nil {
		return d.fail(err)
	}

	kt := convertToByteKernel
	bytesPerPixel := int64(4)
	if task.HalfFloat {
		kt = convertToHalfKernel
		bytesPerPixel = 8
	}
	need := pixels * bytesPerPixel

	dstPtr, release, err := d.mapPixels(dst, need)
	if err != nil {
		return d.fail(err)
	}
	defer release()

	grid := driver.Dim3{X: divideUp(int(pixels), convertBlockSize), Y: 1, Z: 1}
	block := driver.Dim3{X: convertBlockSize, Y: 1, Z: 1}
	err = d.ctx.Launch(d.kernels.renderFns[kt], grid, block, 0,
		src.ptr, dstPtr,
		task.SampleScale,
		task.W, task.H,
		task.Offset, task.Stride,
	)
	if err == nil {
		err = d.ctx.Synchronize()
	}
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: %s failed: %v", kt, err))
	}

	if dst.gl == nil {
		host := task.Target.HostBytes()
		if int64(len(host)) < need {
			return d.fail(errPixelsTooSmall(task.Target.Name, int64(len(host)), need))
		}
		if err = d.ctx.MemcpyDtoH(host[:need], dstPtr); err != nil {
			return d.fail(fmt.Errorf("cuda device: failed to read back pixel buffer %q: %v", task.Target.Name, err))
		}
	}
	return nil
}
