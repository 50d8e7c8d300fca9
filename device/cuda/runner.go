package cuda

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// Encoded size of the work tile descriptor shared with the kernels.
const workTileBytes = 40

// encodeWorkTile packs a tile descriptor the way the kernels expect it:
// eight int32 fields followed by the accumulator device pointer.
func encodeWorkTile(tile *device.RenderTile, sampleStart, sampleCount int32, buffer driver.DevicePtr) []byte {
	raw := make([]byte, workTileBytes)
	binary.LittleEndian.PutUint32(raw[0:], uint32(tile.X))
	binary.LittleEndian.PutUint32(raw[4:], uint32(tile.Y))
	binary.LittleEndian.PutUint32(raw[8:], uint32(tile.W))
	binary.LittleEndian.PutUint32(raw[12:], uint32(tile.H))
	binary.LittleEndian.PutUint32(raw[16:], uint32(tile.Offset))
	binary.LittleEndian.PutUint32(raw[20:], uint32(tile.Stride))
	binary.LittleEndian.PutUint32(raw[24:], uint32(sampleStart))
	binary.LittleEndian.PutUint32(raw[28:], uint32(sampleCount))
	binary.LittleEndian.PutUint64(raw[32:], uint64(buffer))
	return raw
}

// runTiles pulls tiles from the scheduler until it stops handing out work
// or the device records an error. Every acquired tile is handed back to the
// scheduler exactly once, regardless of the render outcome.
func (d *cudaDevice) runTiles(task *device.TileTask) error {
	if d.kernels == nil {
		return d.fail(ErrKernelsNotLoaded)
	}

	for {
		if d.errState.Failed() {
			return d.errState.Err()
		}

		tile, ok := task.Scheduler.AcquireTile(d)
		if !ok {
			return nil
		}

		var err error
		switch tile.Task {
		case device.PathTrace:
			if d.kernels.split != nil {
				err = d.splitRenderTile(task.Scheduler, tile)
			} else {
				err = d.renderTile(task.Scheduler, tile)
			}
		case device.Denoise:
			err = d.denoiseTile(task.Scheduler, tile, task.Denoise)
		default:
			err = fmt.Errorf("cuda device: unsupported tile task: %s", tile.Task)
		}

		task.Scheduler.ReleaseTile(tile)

		if err != nil {
			return d.fail(err)
		}
	}
}

// renderTile accumulates the tile's sample range with the megakernel. The
// range is cut into slices sized off the occupancy estimate so that each
// launch saturates the device without starving a watchdog timer; on
// non-display devices the slices are boosted to cut down launch overhead.
func (d *cudaDevice) renderTile(sched device.TileScheduler, tile *device.RenderTile) error {
	pixels := tile.Pixels()
	if pixels == 0 || tile.SampleCount <= 0 {
		return nil
	}

	if err := d.uploadTextureInfo(); err != nil {
		return err
	}

	bufSlot, err := d.resources.lookup(tile.Buffer.ID)
	if err != nil {
		return err
	}

	fn := d.kernels.renderFns[pathTraceKernel]
	minGrid, blockSize, err := fn.MaxPotentialBlockSize()
	if err != nil {
		return fmt.Errorf("cuda device: failed to query path trace occupancy: %v", err)
	}

	step := int32(divideUp(minGrid*blockSize, pixels))
	if !d.props.KernelExecTimeout {
		step *= int32(d.sampleBoost)
	}

	wtPtr, err := d.ctx.MemAlloc(workTileBytes)
	if err != nil {
		return fmt.Errorf("cuda device: failed to allocate the work tile descriptor: %v", err)
	}
	defer d.scratchFree(wtPtr)

	grid := driver.Dim3{X: divideUp(pixels, blockSize), Y: 1, Z: 1}
	block := driver.Dim3{X: blockSize, Y: 1, Z: 1}

	end := tile.SampleStart + tile.SampleCount
	completed := int32(0)
	for start := tile.SampleStart; start < end; start += step {
		if sched.Canceled() && !sched.NeedFinishQueue() {
			break
		}

		count := step
		if remain := end - start; remain < count {
			count = remain
		}

		if err = d.ctx.MemcpyHtoD(wtPtr, encodeWorkTile(tile, start, count, bufSlot.ptr)); err != nil {
			return fmt.Errorf("cuda device: failed to upload the work tile descriptor: %v", err)
		}
		if err = d.ctx.Launch(fn, grid, block, 0, wtPtr); err != nil {
			return fmt.Errorf("cuda device: path trace launch failed: %v", err)
		}
		if err = d.ctx.Synchronize(); err != nil {
			return fmt.Errorf("cuda device: path trace failed: %v", err)
		}

		completed += count
		sched.UpdateProgress(tile, pixels*int(count))
	}

	// Report how many samples actually landed in the accumulator when
	// cancellation cut the range short.
	tile.SampleCount = completed
	return nil
}

// scratchFree releases an internal scratch allocation, logging failures.
func (d *cudaDevice) scratchFree(ptr driver.DevicePtr) {
	if ptr == 0 {
		return
	}
	if err := d.ctx.MemFree(ptr); err != nil {
		d.logger.Warningf("failed to free scratch memory: %v", err)
	}
}

// Smallest number of chunk-sized groups covering x.
func divideUp(x, chunk int) int {
	return (x + chunk - 1) / chunk
}

// Round x down to a multiple of chunk.
func roundDown(x, chunk int) int {
	return (x / chunk) * chunk
}

// Round x up to a multiple of chunk.
func roundUp(x, chunk int) int {
	return divideUp(x, chunk) * chunk
}
