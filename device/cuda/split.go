package cuda

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// The split dispatch is shaped into a rectangle whose side is a multiple of
// the warp width and whose row count is a multiple of the row batch the
// queue kernels operate on.
const (
	splitSideMultiple = 32
	splitRowMultiple  = 16
)

// splitRenderTile renders a tile with the split kernel pipeline. Per-thread
// path state lives in an explicit state buffer sized off the free memory
// budget; every round launches each stage once and retires finished work
// through the buffer update stage until the work counter drains.
func (d *cudaDevice) splitRenderTile(sched device.TileScheduler, tile *device.RenderTile) error {
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

	stateBytes, err := d.probeStateSize()
	if err != nil {
		return err
	}

	side, rows, err := d.splitGlobalSize(stateBytes)
	if err != nil {
		return err
	}

	stateSize := int64(side) * int64(rows) * stateBytes
	statePtr, err := d.ctx.MemAlloc(stateSize)
	if err != nil {
		return fmt.Errorf("cuda device: failed to allocate %s of split path state: %v", device.FormatBytes(stateSize), err)
	}
	defer d.scratchFree(statePtr)

	counterPtr, err := d.ctx.MemAlloc(4)
	if err != nil {
		return fmt.Errorf("cuda device: failed to allocate the split work counter: %v", err)
	}
	defer d.scratchFree(counterPtr)

	wtPtr, err := d.ctx.MemAlloc(workTileBytes)
	if err != nil {
		return fmt.Errorf("cuda device: failed to allocate the work tile descriptor: %v", err)
	}
	defer d.scratchFree(wtPtr)

	if err = d.ctx.MemcpyHtoD(wtPtr, encodeWorkTile(tile, tile.SampleStart, tile.SampleCount, bufSlot.ptr)); err != nil {
		return fmt.Errorf("cuda device: failed to upload the work tile descriptor: %v", err)
	}

	grid := driver.Dim3{X: side / splitSideMultiple, Y: rows, Z: 1}
	block := driver.Dim3{X: splitSideMultiple, Y: 1, Z: 1}
	totalWork := int32(pixels) * tile.SampleCount

	init := d.kernels.splitFns[splitDataInitKernel]
	if err = d.ctx.Launch(init, grid, block, 0, statePtr, int32(stateSize), counterPtr, totalWork); err != nil {
		return fmt.Errorf("cuda device: split stage %s launch failed: %v", splitDataInitKernel, err)
	}

	for {
		if sched.Canceled() && !sched.NeedFinishQueue() {
			// The state buffer holds unfinished paths; the sample range
			// is reported as incomplete and the tile dropped.
			tile.SampleCount = 0
			return nil
		}

		for kt := splitSceneIntersectKernel; kt <= splitQueueEnqueueKernel; kt++ {
			if err = d.ctx.Launch(d.kernels.splitFns[kt], grid, block, 0, statePtr, counterPtr); err != nil {
				return fmt.Errorf("cuda device: split stage %s launch failed: %v", kt, err)
			}
		}
		update := d.kernels.splitFns[splitBufferUpdateKernel]
		if err = d.ctx.Launch(update, grid, block, 0, wtPtr, counterPtr); err != nil {
			return fmt.Errorf("cuda device: split stage %s launch failed: %v", splitBufferUpdateKernel, err)
		}
		if err = d.ctx.Synchronize(); err != nil {
			return fmt.Errorf("cuda device: split render failed: %v", err)
		}

		var raw [4]byte
		if err = d.ctx.MemcpyDtoH(raw[:], counterPtr); err != nil {
			return fmt.Errorf("cuda device: failed to read the split work counter: %v", err)
		}
		if binary.LittleEndian.Uint32(raw[:]) == 0 {
			break
		}
	}

	sched.UpdateProgress(tile, pixels*int(tile.SampleCount))
	return nil
}

// probeStateSize asks the split module how many bytes of path state a
// single thread needs.
func (d *cudaDevice) probeStateSize() (int64, error) {
	outPtr, err := d.ctx.MemAlloc(4)
	if err != nil {
		return 0, fmt.Errorf("cuda device: failed to allocate the state size probe: %v", err)
	}
	defer d.scratchFree(outPtr)

	one := driver.Dim3{X: 1, Y: 1, Z: 1}
	if err = d.ctx.Launch(d.kernels.splitState, one, one, 0, outPtr); err != nil {
		return 0, fmt.Errorf("cuda device: state size probe launch failed: %v", err)
	}
	if err = d.ctx.Synchronize(); err != nil {
		return 0, fmt.Errorf("cuda device: state size probe failed: %v", err)
	}

	var raw [4]byte
	if err = d.ctx.MemcpyDtoH(raw[:], outPtr); err != nil {
		return 0, fmt.Errorf("cuda device: failed to read the state size probe: %v", err)
	}

	size := int64(binary.LittleEndian.Uint32(raw[:]))
	if size == 0 {
		return 0, fmt.Errorf("cuda device: the split kernel reported a zero state size")
	}
	return size, nil
}

// splitGlobalSize shapes the split dispatch. Half the free device memory is
// budgeted for path state, the thread count it supports is shaped into an
// aligned rectangle, and since rounding only ever shrinks the rectangle the
// state buffer is guaranteed to fit the budget.
func (d *cudaDevice) splitGlobalSize(stateBytes int64) (side, rows int, err error) {
	free, _, err := d.ctx.MemInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("cuda device: failed to query free device memory: %v", err)
	}

	threads := (free / 2) / stateBytes
	if max := int64(math.MaxInt32) / stateBytes; threads > max {
		threads = max
	}

	side = roundDown(int(math.Sqrt(float64(threads))), splitSideMultiple)
	if side >= splitSideMultiple {
		rows = roundDown(int(threads)/side, splitRowMultiple)
	}
	if side < splitSideMultiple || rows < splitRowMultiple {
		return 0, 0, fmt.Errorf("cuda device: not enough free memory for split path state (%s free)", device.FormatBytes(free))
	}
	return side, rows, nil
}
