package device

import "fmt"

type TaskKind uint8

// The kinds of work a tile can request from a device.
const (
	PathTrace TaskKind = iota
	Denoise
)

func (k TaskKind) String() string {
	switch k {
	case PathTrace:
		return "path trace"
	case Denoise:
		return "denoise"
	}
	panic(fmt.Sprintf("device: unsupported task kind: %d", uint8(k)))
}

// A rectangular sub-region of the output frame processed as one unit of
// scheduled work. Produced by a TileScheduler and handed back to it exactly
// once via ReleaseTile.
type RenderTile struct {
	// Tile bounds in frame coordinates.
	X, Y int32
	W, H int32

	// First sample index and the number of samples to accumulate. A device
	// that exits early on cancellation lowers SampleCount to the number of
	// samples it actually completed.
	SampleStart int32
	SampleCount int32

	// Pixel addressing into Buffer: index = Offset + y*Stride + x.
	Offset int32
	Stride int32

	Task TaskKind

	// The frame accumulator this tile renders into.
	Buffer *MemRegion
}

// Number of pixels covered by the tile.
func (t *RenderTile) Pixels() int {
	return int(t.W) * int(t.H)
}

// The 3x3 spatial neighborhood around a denoised tile, in row-major order.
// The center tile is always present at index 4; missing neighbors are nil.
type TileNeighbors [9]*RenderTile

// Get the center tile.
func (n *TileNeighbors) Center() *RenderTile {
	return n[4]
}
