package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

const (
	// Sigma multiple past which a pixel counts as a firefly.
	outlierSigma = float32(2)

	// Half size of the patch window blurred into each difference plane.
	patchRadius = int32(2)

	// Threads per block for the 1D filter launches.
	filterBlockSize = 256
)

// A denoiseStage is one step of the tile denoise pipeline. Stages run in a
// fixed order and communicate through the scratch planes of a denoiseState;
// the device synchronizes between stages so every write is visible to the
// next one.
type denoiseStage interface {
	// Stage name used in error reports.
	name() string

	// Enqueue the stage's kernel launches.
	run(s *denoiseState) error
}

var denoiseStages = []denoiseStage{
	prefilterStage{},
	outlierStage{},
	smoothStage{},
	transformStage{},
	reconstructStage{},
}

// denoiseTile runs the denoise pipeline over a tile's accumulator. The 3x3
// tile neighborhood is mapped for the duration of the pipeline so adjacent
// tiles cannot be recycled while their borders are being read.
func (d *cudaDevice) denoiseTile(sched device.TileScheduler, tile *device.RenderTile, params device.DenoiseParams) error {
	if tile.Pixels() == 0 {
		return nil
	}

	if err := d.uploadTextureInfo(); err != nil {
		return err
	}

	neighbors, err := sched.MapNeighborTiles(tile, d)
	if err != nil {
		return fmt.Errorf("cuda device: failed to map neighbor tiles: %v", err)
	}
	defer sched.UnmapNeighborTiles(neighbors)

	bufSlot, err := d.resources.lookup(tile.Buffer.ID)
	if err != nil {
		return err
	}

	s := newDenoiseState(d, tile, params, bufSlot.ptr)
	defer s.release()

	if err = s.alloc(); err != nil {
		return err
	}

	for _, stage := range denoiseStages {
		if err = stage.run(s); err != nil {
			return fmt.Errorf("cuda device: denoise stage %s failed: %v", stage.name(), err)
		}
		if err = d.ctx.Synchronize(); err != nil {
			return fmt.Errorf("cuda device: denoise stage %s failed: %v", stage.name(), err)
		}
	}

	sched.UpdateProgress(tile, tile.Pixels())
	return nil
}

// denoiseState carries the scratch planes shared by the pipeline stages.
// All scratch is owned by a single in-flight denoise and released when the
// tile completes.
type denoiseState struct {
	dev    *cudaDevice
	tile   *device.RenderTile
	params device.DenoiseParams

	buffer driver.DevicePtr
	w, h   int32
	n      int64

	// Normalization factors for the two half accumulators.
	scaleA, scaleB float32

	// Single channel planes of n values.
	shadow   driver.DevicePtr
	mean     driver.DevicePtr
	variance driver.DevicePtr
	smoothed driver.DevicePtr

	// Planar color buffers of 3*n values.
	color driver.DevicePtr
	clean driver.DevicePtr

	// Non local means scratch planes of n values. The first two double as
	// extraction temporaries during the prefilter stage.
	diff   driver.DevicePtr
	blurA  driver.DevicePtr
	blurB  driver.DevicePtr
	weight driver.DevicePtr
	accum  driver.DevicePtr
	total  driver.DevicePtr

	// Regression state: basis per pixel plus the gathered least squares
	// system.
	transform driver.DevicePtr
	rank      driver.DevicePtr
	xtwx      driver.DevicePtr
	xtwy      driver.DevicePtr

	scratch []driver.DevicePtr
}

func newDenoiseState(dev *cudaDevice, tile *device.RenderTile, params device.DenoiseParams, buffer driver.DevicePtr) *denoiseState {
	s := &denoiseState{
		dev:    dev,
		tile:   tile,
		params: params,
		buffer: buffer,
		w:      tile.W,
		h:      tile.H,
		n:      int64(tile.W) * int64(tile.H),
	}

	// The half buffers hold raw sample sums: even samples land in the
	// first half, odd ones in the second.
	countA := (tile.SampleCount + 1 - (tile.SampleStart & 1)) / 2
	countB := tile.SampleCount - countA
	if countA > 0 {
		s.scaleA = 1 / float32(countA)
	}
	if countB > 0 {
		s.scaleB = 1 / float32(countB)
	}
	return s
}

func (s *denoiseState) alloc() error {
	planes := []*driver.DevicePtr{
		&s.shadow, &s.mean, &s.variance, &s.smoothed,
		&s.diff, &s.blurA, &s.blurB, &s.weight, &s.accum, &s.total,
		&s.transform, &s.rank, &s.xtwx,
	}
	for _, ptr := range planes {
		if err := s.allocPlane(ptr, s.n*4); err != nil {
			return err
		}
	}

	for _, ptr := range []*driver.DevicePtr{&s.color, &s.clean, &s.xtwy} {
		if err := s.allocPlane(ptr, s.n*3*4); err != nil {
			return err
		}
	}
	return nil
}

func (s *denoiseState) allocPlane(out *driver.DevicePtr, size int64) error {
	ptr, err := s.dev.ctx.MemAlloc(size)
	if err != nil {
		return fmt.Errorf("cuda device: failed to allocate %s of denoise scratch: %v", device.FormatBytes(size), err)
	}
	*out = ptr
	s.scratch = append(s.scratch, ptr)
	return nil
}

func (s *denoiseState) release() {
	for _, ptr := range s.scratch {
		s.dev.scratchFree(ptr)
	}
	s.scratch = nil
}

func (s *denoiseState) zero(ptr driver.DevicePtr, size int64) error {
	if err := s.dev.ctx.MemsetD8(ptr, 0, size); err != nil {
		return fmt.Errorf("failed to zero denoise scratch: %v", err)
	}
	return nil
}

// launchFilter enqueues one filter kernel over the tile pixels.
func (s *denoiseState) launchFilter(kt filterKernelType, args ...interface{}) error {
	grid := driver.Dim3{X: divideUp(int(s.n), filterBlockSize), Y: 1, Z: 1}
	block := driver.Dim3{X: filterBlockSize, Y: 1, Z: 1}
	if err := s.dev.ctx.Launch(s.dev.kernels.filterFns[kt], grid, block, 0, args...); err != nil {
		return fmt.Errorf("%s launch failed: %v", kt, err)
	}
	return nil
}

// getFeature extracts one accumulator pass component into a plane.
func (s *denoiseState) getFeature(dst driver.DevicePtr, pass int32) error {
	t := s.tile
	return s.launchFilter(filterGetFeatureKernel,
		dst, s.buffer,
		pass, int32(device.PassStride),
		t.Offset, t.Stride,
		t.X, t.Y, t.W, t.H,
	)
}

// nlmWeights fills the weight plane for one window offset of the guide: the
// squared patch difference is blurred along both axes and mapped through a
// falloff controlled by the denoise strength.
func (s *denoiseState) nlmWeights(guide driver.DevicePtr, dx, dy int32) error {
	if err := s.launchFilter(filterNLMCalcDifferenceKernel, s.diff, guide, guide, s.variance, s.w, s.h, dx, dy); err != nil {
		return err
	}
	if err := s.launchFilter(filterNLMBlurKernel, s.diff, s.blurA, s.w, s.h, patchRadius, int32(0)); err != nil {
		return err
	}
	if err := s.launchFilter(filterNLMBlurKernel, s.blurA, s.blurB, s.w, s.h, patchRadius, int32(1)); err != nil {
		return err
	}
	return s.launchFilter(filterNLMCalcWeightKernel, s.blurB, s.weight, s.w, s.h, s.weightScale())
}

func (s *denoiseState) weightScale() float32 {
	strength := s.params.Strength
	if strength < 0.01 {
		strength = 0.01
	}
	return 1 / (strength * strength)
}

func (s *denoiseState) pcaThreshold() float32 {
	threshold := s.params.FeatureStrength * s.params.FeatureStrength
	if s.params.RelativePCA {
		threshold *= 0.1
	}
	return threshold
}

// forEachOffset visits every offset of the non local means window.
func (s *denoiseState) forEachOffset(fn func(dx, dy int32) error) error {
	radius := s.params.Radius
	if radius < 1 {
		radius = 1
	}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if err := fn(dx, dy); err != nil {
				return err
			}
		}
	}
	return nil
}

// Plane base pointer for one channel of a planar color buffer.
func colorPlane(base driver.DevicePtr, channel, n int64) driver.DevicePtr {
	return base + driver.DevicePtr(channel*n*4)
}

type prefilterStage struct{}

func (prefilterStage) name() string { return "prefilter" }

// The prefilter derives the working images from the raw accumulator passes:
// the planar color sums, the sample-corrected shadow feature and a
// mean/variance estimate from the two half buffers.
func (prefilterStage) run(s *denoiseState) error {
	for c := int64(0); c < 3; c++ {
		if err := s.getFeature(colorPlane(s.color, c, s.n), int32(device.PassCombined+c)); err != nil {
			return err
		}
	}

	// The nlm scratch planes are free until the smooth stage runs and
	// serve as extraction temporaries here.
	if err := s.getFeature(s.diff, device.PassShadow); err != nil {
		return err
	}
	if err := s.getFeature(s.blurA, device.PassShadowCount); err != nil {
		return err
	}
	if err := s.launchFilter(filterDivideShadowKernel, s.shadow, s.diff, s.blurA, int32(s.n)); err != nil {
		return err
	}

	if err := s.getFeature(s.diff, device.PassHalfA); err != nil {
		return err
	}
	if err := s.getFeature(s.blurA, device.PassHalfB); err != nil {
		return err
	}
	return s.launchFilter(filterCombineHalvesKernel,
		s.mean, s.variance, s.diff, s.blurA, int32(s.n), s.scaleA, s.scaleB)
}

type outlierStage struct{}

func (outlierStage) name() string { return "outliers" }

// Firefly removal: each color channel is compared against its 3x3
// neighborhood and extreme values are replaced by the local mean. Skipped
// unless the denoise parameters request it.
func (outlierStage) run(s *denoiseState) error {
	if !s.params.DetectOutliers {
		return nil
	}

	for c := int64(0); c < 3; c++ {
		in := colorPlane(s.color, c, s.n)
		out := colorPlane(s.clean, c, s.n)
		if err := s.launchFilter(filterDetectOutliersKernel, in, out, s.w, s.h, outlierSigma); err != nil {
			return err
		}
	}
	s.color, s.clean = s.clean, s.color
	return nil
}

type smoothStage struct{}

func (smoothStage) name() string { return "smooth" }

// Non local means smoothing of the half-buffer mean. Every window offset
// contributes a weighted shifted copy; normalizing the accumulated sums
// yields the smoothed guide used by the regression stages.
func (smoothStage) run(s *denoiseState) error {
	if err := s.zero(s.accum, s.n*4); err != nil {
		return err
	}
	if err := s.zero(s.total, s.n*4); err != nil {
		return err
	}

	err := s.forEachOffset(func(dx, dy int32) error {
		if err := s.nlmWeights(s.mean, dx, dy); err != nil {
			return err
		}
		return s.launchFilter(filterNLMUpdateOutputKernel,
			s.weight, s.mean, s.accum, s.total, s.w, s.h, dx, dy)
	})
	if err != nil {
		return err
	}

	return s.launchFilter(filterNLMNormalizeKernel, s.accum, s.total, s.smoothed, int32(s.n))
}

type transformStage struct{}

func (transformStage) name() string { return "transform" }

// Build the per-pixel feature basis from the smoothed guide and the shadow
// feature. Pixels whose local feature variation clears the threshold keep a
// wider basis for the regression.
func (transformStage) run(s *denoiseState) error {
	return s.launchFilter(filterConstructTransformKernel,
		s.smoothed, s.shadow, s.transform, s.rank,
		s.w, s.h, s.pcaThreshold())
}

type reconstructStage struct{}

func (reconstructStage) name() string { return "reconstruct" }

// Weighted regression over the window: every offset contributes its weight
// and shifted color to the least squares system, and the solve writes the
// denoised color back into the accumulator.
func (reconstructStage) run(s *denoiseState) error {
	if err := s.zero(s.xtwx, s.n*4); err != nil {
		return err
	}
	if err := s.zero(s.xtwy, s.n*3*4); err != nil {
		return err
	}

	err := s.forEachOffset(func(dx, dy int32) error {
		if err := s.nlmWeights(s.smoothed, dx, dy); err != nil {
			return err
		}
		return s.launchFilter(filterNLMConstructGramianKernel,
			s.weight, s.color, s.transform, s.rank,
			s.xtwx, s.xtwy, s.w, s.h, dx, dy)
	})
	if err != nil {
		return err
	}

	t := s.tile
	return s.launchFilter(filterFinalizeKernel,
		s.buffer, s.xtwx, s.xtwy,
		t.Offset, t.Stride, t.X, t.Y, t.W, t.H)
}
