package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// Elements evaluated per shader kernel launch. Cancellation is polled
// between chunks.
const (
	shaderChunkSize = 65536
	shaderBlockSize = 256
)

// evaluateShader runs the shader evaluation kernel over the task's input
// buffer in fixed-size chunks, writing results to the output buffer.
func (d *cudaDevice) evaluateShader(task *device.ShaderTask) error {
	if d.kernels == nil {
		return d.fail(ErrKernelsNotLoaded)
	}
	if task.Elements <= 0 {
		return nil
	}

	in, err := d.resources.lookup(task.Input.ID)
	if err != nil {
		return d.fail(err)
	}
	out, err := d.resources.lookup(task.Output.ID)
	if err != nil {
		return d.fail(err)
	}

	if err = d.uploadTextureInfo(); err != nil {
		return d.fail(err)
	}

	fn := d.kernels.renderFns[shaderEvalKernel]
	for offset := 0; offset < task.Elements; offset += shaderChunkSize {
		if task.Canceled != nil && task.Canceled() {
			return nil
		}

		count := task.Elements - offset
		if count > shaderChunkSize {
			count = shaderChunkSize
		}

		grid := driver.Dim3{X: divideUp(count, shaderBlockSize), Y: 1, Z: 1}
		block := driver.Dim3{X: shaderBlockSize, Y: 1, Z: 1}
		err = d.ctx.Launch(fn, grid, block, 0, in.ptr, out.ptr, int32(offset), int32(count))
		if err == nil {
			err = d.ctx.Synchronize()
		}
		if err != nil {
			return d.fail(fmt.Errorf("cuda device: %s failed: %v", shaderEvalKernel, err))
		}
	}
	return nil
}
