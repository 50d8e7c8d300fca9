//go:build !cuda

package cuda

import (
	"encoding/binary"
	"testing"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
)

// testScheduler hands out a fixed tile list and records every interaction a
// device has with it.
type testScheduler struct {
	tiles []*device.RenderTile
	next  int

	released      []*device.RenderTile
	progress      int
	progressCalls int

	canceled   bool
	needFinish bool

	// Flip canceled once this many progress reports have arrived.
	cancelAfterProgress int

	mapped   int
	unmapped int
}

func (s *testScheduler) AcquireTile(dev device.Device) (*device.RenderTile, bool) {
	if s.next >= len(s.tiles) {
		return nil, false
	}
	tile := s.tiles[s.next]
	s.next++
	return tile, true
}

func (s *testScheduler) ReleaseTile(tile *device.RenderTile) {
	s.released = append(s.released, tile)
}

func (s *testScheduler) UpdateProgress(tile *device.RenderTile, pixels int) {
	s.progress += pixels
	s.progressCalls++
	if s.cancelAfterProgress > 0 && s.progressCalls >= s.cancelAfterProgress {
		s.canceled = true
	}
}

func (s *testScheduler) Canceled() bool        { return s.canceled }
func (s *testScheduler) NeedFinishQueue() bool { return s.needFinish }

func (s *testScheduler) MapNeighborTiles(center *device.RenderTile, dev device.Device) (*device.TileNeighbors, error) {
	s.mapped++
	var n device.TileNeighbors
	n[4] = center
	return &n, nil
}

func (s *testScheduler) UnmapNeighborTiles(neighbors *device.TileNeighbors) {
	s.unmapped++
}

// allocFrame reserves and clears a frame accumulator covering a pixel grid.
func allocFrame(t *testing.T, dev *cudaDevice, w, h int32) *device.MemRegion {
	t.Helper()

	host := make([]float32, int(w)*int(h)*device.PassStride)
	r := &device.MemRegion{Name: "frame", Type: device.TypeFloat, Channels: 1, Width: int64(len(host)), Host: host}
	if err := dev.Zero(r); err != nil {
		t.Fatal(err)
	}
	return r
}

// frameFloats reads the accumulator back and returns the host view.
func frameFloats(t *testing.T, dev *cudaDevice, r *device.MemRegion) []float32 {
	t.Helper()

	if err := dev.CopyFromDevice(r, 0, int(r.Width), 1, 4); err != nil {
		t.Fatal(err)
	}
	return r.Host.([]float32)
}

func TestWorkTileEncoding(t *testing.T) {
	tile := &device.RenderTile{X: 1, Y: 2, W: 3, H: 4, Offset: 5, Stride: 6}
	raw := encodeWorkTile(tile, 7, 8, driver.DevicePtr(0xdeadbeef))

	if len(raw) != workTileBytes {
		t.Fatalf("expected a %d byte descriptor; got %d", workTileBytes, len(raw))
	}
	expFields := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	for i, exp := range expFields {
		if got := binary.LittleEndian.Uint32(raw[i*4:]); got != exp {
			t.Fatalf("expected field %d to encode as %d; got %d", i, exp, got)
		}
	}
	if got := binary.LittleEndian.Uint64(raw[32:]); got != 0xdeadbeef {
		t.Fatalf("expected the buffer pointer to encode as %#x; got %#x", uint64(0xdeadbeef), got)
	}
}

func TestRunTilesRequiresKernels(t *testing.T) {
	dev := createDevice(t, Config{})

	task := &device.TileTask{Scheduler: &testScheduler{}}
	if err := dev.RunTiles(task); err != ErrKernelsNotLoaded {
		t.Fatalf("expected ErrKernelsNotLoaded; got %v", err)
	}
}

func TestRenderTileAccumulation(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	const w, h, samples = 8, 8, 4
	frame := allocFrame(t, dev, w, h)
	tile := &device.RenderTile{
		X: 0, Y: 0, W: w, H: h,
		SampleStart: 0, SampleCount: samples,
		Offset: 0, Stride: w,
		Task:   device.PathTrace,
		Buffer: frame,
	}

	sched := &testScheduler{tiles: []*device.RenderTile{tile}}
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != nil {
		t.Fatal(err)
	}

	if exp := w * h * samples; sched.progress != exp {
		t.Fatalf("expected %d pixel samples of progress; got %d", exp, sched.progress)
	}
	if len(sched.released) != 1 || sched.released[0] != tile {
		t.Fatalf("expected the tile to be released exactly once; got %d releases", len(sched.released))
	}
	if tile.SampleCount != samples {
		t.Fatalf("expected the full sample range to complete; got %d", tile.SampleCount)
	}

	buf := frameFloats(t, dev, frame)
	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			base := (int(py)*w + int(px)) * device.PassStride

			expR := float32(px) / w * samples
			expG := float32(py) / w * samples
			if buf[base+device.PassCombined] != expR || buf[base+device.PassCombined+1] != expG {
				t.Fatalf("pixel (%d,%d): expected combined rg (%f,%f); got (%f,%f)",
					px, py, expR, expG, buf[base+device.PassCombined], buf[base+device.PassCombined+1])
			}
			if buf[base+device.PassCombined+3] != samples {
				t.Fatalf("pixel (%d,%d): expected %d accumulated samples; got %f", px, py, samples, buf[base+device.PassCombined+3])
			}

			// Even and odd samples split evenly across the halves.
			if buf[base+device.PassHalfA] != expR/2 || buf[base+device.PassHalfB] != expR/2 {
				t.Fatalf("pixel (%d,%d): expected the halves to split the red sum; got %f and %f",
					px, py, buf[base+device.PassHalfA], buf[base+device.PassHalfB])
			}
			if buf[base+device.PassShadowCount] != samples {
				t.Fatalf("pixel (%d,%d): expected %d shadow samples; got %f", px, py, samples, buf[base+device.PassShadowCount])
			}
		}
	}
}

func TestRenderTileCancellation(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	const w, h, samples = 64, 64, 32
	frame := allocFrame(t, dev, w, h)
	tile := &device.RenderTile{
		X: 0, Y: 0, W: w, H: h,
		SampleStart: 0, SampleCount: samples,
		Offset: 0, Stride: w,
		Task:   device.PathTrace,
		Buffer: frame,
	}

	sched := &testScheduler{tiles: []*device.RenderTile{tile}, cancelAfterProgress: 1}
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != nil {
		t.Fatal(err)
	}

	// The sample range is cut short after the first slice and the tile
	// reports only the completed samples.
	if tile.SampleCount >= samples || tile.SampleCount <= 0 {
		t.Fatalf("expected a partial sample count; got %d", tile.SampleCount)
	}
	if exp := w * h * int(tile.SampleCount); sched.progress != exp {
		t.Fatalf("expected progress to match the completed samples; got %d instead of %d", sched.progress, exp)
	}
	if len(sched.released) != 1 {
		t.Fatalf("expected the canceled tile to be released; got %d releases", len(sched.released))
	}
}

func TestRenderTileDrainsFinishQueue(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	const w, h, samples = 64, 64, 32
	frame := allocFrame(t, dev, w, h)
	tile := &device.RenderTile{
		X: 0, Y: 0, W: w, H: h,
		SampleStart: 0, SampleCount: samples,
		Offset: 0, Stride: w,
		Task:   device.PathTrace,
		Buffer: frame,
	}

	sched := &testScheduler{tiles: []*device.RenderTile{tile}, cancelAfterProgress: 1, needFinish: true}
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != nil {
		t.Fatal(err)
	}

	// Cancellation must not cut the range short while the scheduler still
	// requires queued work to finish.
	if tile.SampleCount != samples {
		t.Fatalf("expected the full sample range to complete; got %d", tile.SampleCount)
	}
}

func TestRunTilesReleasesOnFailure(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	ghost := &device.MemRegion{Name: "ghost"}
	bad := &device.RenderTile{W: 4, H: 4, SampleCount: 1, Stride: 4, Task: device.PathTrace, Buffer: ghost}
	never := &device.RenderTile{W: 4, H: 4, SampleCount: 1, Stride: 4, Task: device.PathTrace, Buffer: ghost}

	sched := &testScheduler{tiles: []*device.RenderTile{bad, never}}
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated; got %v", err)
	}

	// The failed tile is handed back and the loop stops before acquiring
	// more work.
	if len(sched.released) != 1 || sched.released[0] != bad {
		t.Fatalf("expected only the failed tile to be released; got %d releases", len(sched.released))
	}
	if sched.next != 1 {
		t.Fatalf("expected no further tiles to be acquired; got %d", sched.next)
	}

	// Another run refuses to start while the device error is sticky.
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != ErrNotAllocated {
		t.Fatalf("expected the sticky error to be reported; got %v", err)
	}
	if sched.next != 1 {
		t.Fatalf("expected the failed device not to acquire tiles; got %d", sched.next)
	}
}

func TestDenoiseUnpinsNeighborsOnFailure(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	ghost := &device.MemRegion{Name: "ghost"}
	tile := &device.RenderTile{W: 4, H: 4, SampleCount: 2, Stride: 4, Task: device.Denoise, Buffer: ghost}

	sched := &testScheduler{tiles: []*device.RenderTile{tile}}
	task := &device.TileTask{Scheduler: sched, Denoise: device.DefaultDenoiseParams()}
	if err := dev.RunTiles(task); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated; got %v", err)
	}

	// The neighborhood pinned for the pipeline is unpinned even though the
	// pipeline aborted before its first stage.
	if sched.mapped != 1 || sched.unmapped != 1 {
		t.Fatalf("expected one map and one unmap of the neighborhood; got %d and %d", sched.mapped, sched.unmapped)
	}
	if len(sched.released) != 1 || sched.released[0] != tile {
		t.Fatalf("expected the failed tile to be released exactly once; got %d releases", len(sched.released))
	}
}

func TestSplitMatchesMegakernel(t *testing.T) {
	mega := createDevice(t, Config{})
	loadTestKernels(t, mega, device.RequestedFeatures{})

	split := createDevice(t, Config{})
	loadTestKernels(t, split, device.RequestedFeatures{UseSplitKernel: true})

	const w, h, samples = 16, 16, 3
	renderOne := func(dev *cudaDevice) []float32 {
		frame := allocFrame(t, dev, w, h)
		tile := &device.RenderTile{
			X: 0, Y: 0, W: w, H: h,
			SampleStart: 0, SampleCount: samples,
			Offset: 0, Stride: w,
			Task:   device.PathTrace,
			Buffer: frame,
		}
		sched := &testScheduler{tiles: []*device.RenderTile{tile}}
		if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != nil {
			t.Fatal(err)
		}
		if exp := w * h * samples; sched.progress != exp {
			t.Fatalf("expected %d pixel samples of progress; got %d", exp, sched.progress)
		}
		return frameFloats(t, dev, frame)
	}

	megaBuf := renderOne(mega)
	splitBuf := renderOne(split)
	for i := range megaBuf {
		if megaBuf[i] != splitBuf[i] {
			t.Fatalf("expected the split pipeline to match the megakernel at component %d; got %f and %f",
				i, splitBuf[i], megaBuf[i])
		}
	}
}

func TestSplitCancellationDropsTile(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{UseSplitKernel: true})

	const w, h, samples = 16, 16, 4
	frame := allocFrame(t, dev, w, h)
	tile := &device.RenderTile{
		X: 0, Y: 0, W: w, H: h,
		SampleStart: 0, SampleCount: samples,
		Offset: 0, Stride: w,
		Task:   device.PathTrace,
		Buffer: frame,
	}

	sched := &testScheduler{tiles: []*device.RenderTile{tile}, canceled: true}
	if err := dev.RunTiles(&device.TileTask{Scheduler: sched}); err != nil {
		t.Fatal(err)
	}

	// The state buffer held unfinished paths, so no samples are reported.
	if tile.SampleCount != 0 {
		t.Fatalf("expected the dropped tile to report no samples; got %d", tile.SampleCount)
	}
	if sched.progress != 0 {
		t.Fatalf("expected no progress for a dropped tile; got %d", sched.progress)
	}
	if len(sched.released) != 1 {
		t.Fatalf("expected the dropped tile to be released; got %d releases", len(sched.released))
	}
}
