package renderer

import "github.com/achilleasa/borealis/device"

// Default edge length for render tiles.
const defaultTileSize = 64

type Options struct {
	// Frame dims.
	FrameW uint32
	FrameH uint32

	// Number of samples to accumulate per pixel. Interactive renderers
	// treat zero as unbounded.
	SamplesPerPixel uint32

	// Samples accumulated per progressive pass before the frame is
	// converted for display. Only meaningful for interactive renderers.
	SamplesPerPass uint32

	// Edge length of the square tiles handed out to devices.
	TileSize uint32

	// Run the denoise pass once the frame finishes accumulating.
	Denoise       bool
	DenoiseParams device.DenoiseParams

	// Kernel feature set requested from the attached devices.
	Features device.RequestedFeatures
}

// normalize fills in defaults for unset fields.
func (o *Options) normalize() error {
	if o.FrameW == 0 || o.FrameH == 0 {
		return ErrInvalidFrameDims
	}
	if o.SamplesPerPass == 0 {
		o.SamplesPerPass = 1
	}
	if o.TileSize == 0 {
		o.TileSize = defaultTileSize
	}
	if o.Features.MaxClosures == 0 {
		o.Features.MaxClosures = device.DefaultFeatures().MaxClosures
	}
	if o.Denoise && o.DenoiseParams.Radius == 0 {
		o.DenoiseParams = device.DefaultDenoiseParams()
	}
	return nil
}
