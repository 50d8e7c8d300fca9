package renderer

import (
	"testing"

	"github.com/achilleasa/borealis/device"
)

// fakeDevice satisfies device.Device for scheduler tests; the scheduler
// only uses device identity.
type fakeDevice struct {
	name string
}

func (d *fakeDevice) Name() string                                   { return d.name }
func (d *fakeDevice) Close()                                         {}
func (d *fakeDevice) LoadKernels(device.RequestedFeatures) error     { return nil }
func (d *fakeDevice) Alloc(*device.MemRegion) error                  { return nil }
func (d *fakeDevice) CopyToDevice(*device.MemRegion) error           { return nil }
func (d *fakeDevice) CopyFromDevice(*device.MemRegion, int, int, int, int64) error {
	return nil
}
func (d *fakeDevice) Zero(*device.MemRegion) error                 { return nil }
func (d *fakeDevice) Free(*device.MemRegion)                       {}
func (d *fakeDevice) RunTiles(*device.TileTask) error              { return nil }
func (d *fakeDevice) EvaluateShader(*device.ShaderTask) error      { return nil }
func (d *fakeDevice) ConvertToDisplay(*device.DisplayTask) error   { return nil }
func (d *fakeDevice) LastError() error                             { return nil }
func (d *fakeDevice) Stats() *device.MemoryStats                   { return &device.MemoryStats{} }

func TestTileSchedulerSplitsFrame(t *testing.T) {
	const frameW, frameH, tileSize, samples = 100, 70, 32, 4
	s := newTileScheduler(frameW, frameH, tileSize, device.PathTrace, 0, samples)

	if s.cols != 4 || s.rows != 3 {
		t.Fatalf("expected a 4x3 tile grid; got %dx%d", s.cols, s.rows)
	}
	if len(s.tiles) != 12 {
		t.Fatalf("expected 12 tiles; got %d", len(s.tiles))
	}

	covered := make([]bool, frameW*frameH)
	for _, tile := range s.tiles {
		if tile.Offset != 0 || tile.Stride != frameW {
			t.Fatalf("expected frame addressing with zero offset and stride %d; got %d/%d", frameW, tile.Offset, tile.Stride)
		}
		if tile.SampleStart != 0 || tile.SampleCount != samples {
			t.Fatalf("expected the shared sample range on every tile; got %d+%d", tile.SampleStart, tile.SampleCount)
		}
		for y := tile.Y; y < tile.Y+tile.H; y++ {
			for x := tile.X; x < tile.X+tile.W; x++ {
				index := int(y)*frameW + int(x)
				if covered[index] {
					t.Fatalf("pixel (%d,%d) covered by more than one tile", x, y)
				}
				covered[index] = true
			}
		}
	}
	for index, ok := range covered {
		if !ok {
			t.Fatalf("pixel %d not covered by any tile", index)
		}
	}

	if _, total := s.Progress(); total != frameW*frameH*samples {
		t.Fatalf("expected %d total work units; got %d", frameW*frameH*samples, total)
	}
}

func TestTileSchedulerHandout(t *testing.T) {
	s := newTileScheduler(64, 64, 32, device.PathTrace, 0, 1)

	devA := &fakeDevice{name: "a"}
	devB := &fakeDevice{name: "b"}
	bufA := &device.MemRegion{Name: "a"}
	bufB := &device.MemRegion{Name: "b"}
	s.attachBuffer(devA, bufA)
	s.attachBuffer(devB, bufB)

	var acquired []*device.RenderTile
	for i := 0; ; i++ {
		dev, buf := device.Device(devA), bufA
		if i%2 == 1 {
			dev, buf = devB, bufB
		}
		tile, ok := s.AcquireTile(dev)
		if !ok {
			break
		}
		if tile.Buffer != buf {
			t.Fatalf("expected tile %d to be bound to the caller's accumulator", i)
		}
		acquired = append(acquired, tile)
	}

	if len(acquired) != 4 {
		t.Fatalf("expected 4 tiles to be handed out; got %d", len(acquired))
	}
	if got := s.tilesAcquiredBy(devA) + s.tilesAcquiredBy(devB); got != 4 {
		t.Fatalf("expected the per-device counts to add up to 4; got %d", got)
	}
	if s.outstanding != 4 {
		t.Fatalf("expected 4 outstanding tiles; got %d", s.outstanding)
	}

	for _, tile := range acquired {
		s.ReleaseTile(tile)
	}
	if s.outstanding != 0 {
		t.Fatalf("expected no outstanding tiles after release; got %d", s.outstanding)
	}
}

func TestTileSchedulerCancel(t *testing.T) {
	s := newTileScheduler(64, 64, 32, device.PathTrace, 0, 1)
	dev := &fakeDevice{name: "a"}

	if _, ok := s.AcquireTile(dev); !ok {
		t.Fatal("expected the first acquire to succeed")
	}

	s.Cancel(true)
	if !s.Canceled() || !s.NeedFinishQueue() {
		t.Fatal("expected the scheduler to report cancellation with a finish queue requirement")
	}
	if _, ok := s.AcquireTile(dev); ok {
		t.Fatal("expected no tiles to be handed out after cancellation")
	}
}

func TestTileSchedulerProgress(t *testing.T) {
	s := newTileScheduler(32, 32, 32, device.PathTrace, 0, 8)

	tile, _ := s.AcquireTile(&fakeDevice{name: "a"})
	s.UpdateProgress(tile, tile.Pixels()*3)

	done, total := s.Progress()
	if done != 32*32*3 {
		t.Fatalf("expected %d work units done; got %d", 32*32*3, done)
	}
	if total != 32*32*8 {
		t.Fatalf("expected %d total work units; got %d", 32*32*8, total)
	}
}

func TestTileSchedulerNeighborPinning(t *testing.T) {
	s := newTileScheduler(96, 96, 32, device.Denoise, 0, 4)
	dev := &fakeDevice{name: "a"}

	center := s.tiles[4]
	neighbors, err := s.MapNeighborTiles(center, dev)
	if err != nil {
		t.Fatal(err)
	}
	if neighbors.Center() != center {
		t.Fatal("expected the center tile at index 4")
	}
	for i, tile := range neighbors {
		if tile == nil {
			t.Fatalf("expected a full 3x3 neighborhood; index %d is nil", i)
		}
	}
	if len(s.pinned) != 9 {
		t.Fatalf("expected 9 pinned tiles; got %d", len(s.pinned))
	}

	// A corner tile only has the in-bounds part of its neighborhood.
	corner := s.tiles[0]
	cornerNeighbors, err := s.MapNeighborTiles(corner, dev)
	if err != nil {
		t.Fatal(err)
	}
	if cornerNeighbors.Center() != corner {
		t.Fatal("expected the corner tile at index 4")
	}
	present := 0
	for _, tile := range cornerNeighbors {
		if tile != nil {
			present++
		}
	}
	if present != 4 {
		t.Fatalf("expected 4 in-bounds neighbors for a corner tile; got %d", present)
	}

	s.UnmapNeighborTiles(neighbors)
	s.UnmapNeighborTiles(cornerNeighbors)
	if len(s.pinned) != 0 {
		t.Fatalf("expected no pinned tiles after unmapping; got %d", len(s.pinned))
	}
}
