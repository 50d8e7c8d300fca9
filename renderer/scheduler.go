package renderer

import (
	"sync"

	"github.com/achilleasa/borealis/device"
)

// tileScheduler splits one frame pass into square tiles and hands them out
// to the attached device pool. It implements device.TileScheduler: devices
// pull tiles concurrently, report progress and hand every tile back exactly
// once. A canceled scheduler stops handing out tiles but still accepts
// progress and release calls for work already in flight.
type tileScheduler struct {
	mu sync.Mutex

	// The tile grid in row-major order plus the tiles not handed out yet.
	tiles   []*device.RenderTile
	pending []*device.RenderTile
	cols    int32
	rows    int32
	tileSz  int32

	// Per-device frame accumulators, assigned to tiles as they are
	// acquired so each device renders into its own storage.
	buffers map[device.Device]*device.MemRegion

	// Tiles acquired per device, for the frame stats.
	acquired map[device.Device]int

	// Reference counts pinning tiles whose borders a denoise is reading.
	pinned map[*device.RenderTile]int

	outstanding int

	canceled    bool
	finishQueue bool

	doneWork  int64
	totalWork int64
}

// newTileScheduler carves a frameW x frameH frame into tiles of the given
// edge length sharing one sample range. Every tile addresses the frame
// accumulator through a zero offset and a full-frame stride, so a tile is
// fully described by its frame coordinates.
func newTileScheduler(frameW, frameH, tileSize uint32, task device.TaskKind, sampleStart, sampleCount int32) *tileScheduler {
	s := &tileScheduler{
		cols:     int32((frameW + tileSize - 1) / tileSize),
		rows:     int32((frameH + tileSize - 1) / tileSize),
		tileSz:   int32(tileSize),
		buffers:  make(map[device.Device]*device.MemRegion),
		acquired: make(map[device.Device]int),
		pinned:   make(map[*device.RenderTile]int),
	}

	workPerPixel := int64(sampleCount)
	if task == device.Denoise {
		workPerPixel = 1
	}

	for ty := int32(0); ty < s.rows; ty++ {
		for tx := int32(0); tx < s.cols; tx++ {
			x := tx * s.tileSz
			y := ty * s.tileSz
			w := int32(frameW) - x
			if w > s.tileSz {
				w = s.tileSz
			}
			h := int32(frameH) - y
			if h > s.tileSz {
				h = s.tileSz
			}

			tile := &device.RenderTile{
				X: x, Y: y, W: w, H: h,
				SampleStart: sampleStart,
				SampleCount: sampleCount,
				Offset:      0,
				Stride:      int32(frameW),
				Task:        task,
			}
			s.tiles = append(s.tiles, tile)
			s.totalWork += int64(tile.Pixels()) * workPerPixel
		}
	}
	s.pending = append(s.pending, s.tiles...)
	return s
}

// attachBuffer registers the frame accumulator a device renders into.
func (s *tileScheduler) attachBuffer(dev device.Device, buf *device.MemRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[dev] = buf
}

// AcquireTile hands out the next pending tile, bound to the calling device's
// accumulator. Returns false once the pass is exhausted or canceled.
func (s *tileScheduler) AcquireTile(dev device.Device) (*device.RenderTile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled || len(s.pending) == 0 {
		return nil, false
	}

	tile := s.pending[0]
	s.pending = s.pending[1:]
	tile.Buffer = s.buffers[dev]
	s.acquired[dev]++
	s.outstanding++
	return tile, true
}

// ReleaseTile hands a tile back to the scheduler.
func (s *tileScheduler) ReleaseTile(tile *device.RenderTile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding--
}

// UpdateProgress records completed work, measured in pixels times samples.
func (s *tileScheduler) UpdateProgress(tile *device.RenderTile, pixels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneWork += int64(pixels)
}

// Canceled reports whether the pass has been canceled.
func (s *tileScheduler) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// NeedFinishQueue reports whether cancellation must still drain queued
// sample work before a device may stop early.
func (s *tileScheduler) NeedFinishQueue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishQueue
}

// MapNeighborTiles pins the 3x3 neighborhood around a tile. Pinned tiles are
// not recycled until the matching UnmapNeighborTiles call.
func (s *tileScheduler) MapNeighborTiles(center *device.RenderTile, dev device.Device) (*device.TileNeighbors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := center.X / s.tileSz
	ty := center.Y / s.tileSz

	var neighbors device.TileNeighbors
	for dy := int32(-1); dy <= 1; dy++ {
		for dx := int32(-1); dx <= 1; dx++ {
			nx, ny := tx+dx, ty+dy
			if nx < 0 || nx >= s.cols || ny < 0 || ny >= s.rows {
				continue
			}
			tile := s.tiles[ny*s.cols+nx]
			neighbors[(dy+1)*3+(dx+1)] = tile
			s.pinned[tile]++
		}
	}
	return &neighbors, nil
}

// UnmapNeighborTiles releases a pinned neighborhood.
func (s *tileScheduler) UnmapNeighborTiles(neighbors *device.TileNeighbors) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tile := range neighbors {
		if tile == nil {
			continue
		}
		if s.pinned[tile]--; s.pinned[tile] == 0 {
			delete(s.pinned, tile)
		}
	}
}

// Cancel stops the scheduler from handing out further tiles. When
// finishQueue is set, devices must still drain sample work already queued
// for their in-flight tile instead of exiting mid-range.
func (s *tileScheduler) Cancel(finishQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	s.finishQueue = finishQueue
}

// Progress reports completed and total work for the pass.
func (s *tileScheduler) Progress() (done, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneWork, s.totalWork
}

// tilesAcquiredBy reports how many tiles a device pulled during the pass.
func (s *tileScheduler) tilesAcquiredBy(dev device.Device) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired[dev]
}
