package device

// The TileScheduler interface is implemented by the renderer-side tile source.
// Devices pull work from it, report progress to it and hand every acquired
// tile back to it exactly once.
type TileScheduler interface {
	// Block until a tile is available for the calling device. The second
	// return value is false when no more work will be handed out.
	AcquireTile(dev Device) (*RenderTile, bool)

	// Hand a tile back to the scheduler. Called exactly once per acquired
	// tile regardless of render outcome.
	ReleaseTile(tile *RenderTile)

	// Report completed work for a tile, measured in pixels times samples.
	UpdateProgress(tile *RenderTile, pixels int)

	// True once a cancellation has been requested.
	Canceled() bool

	// True when cancellation must still drain queued sample work before
	// a device may stop early.
	NeedFinishQueue() bool

	// Map the 3x3 neighborhood around a denoised tile. Mapped neighborhoods
	// must always be returned via UnmapNeighborTiles.
	MapNeighborTiles(center *RenderTile, dev Device) (*TileNeighbors, error)

	// Return a mapped neighborhood to the scheduler.
	UnmapNeighborTiles(neighbors *TileNeighbors)
}

// Parameters for the denoising pipeline.
type DenoiseParams struct {
	// Half size of the non-local-means neighborhood window, in pixels.
	Radius int32

	// Denoise strength for the color channels.
	Strength float32

	// Denoise strength for the guide feature channels.
	FeatureStrength float32

	// Truncate the per-pixel feature basis relative to the largest
	// singular value instead of using an absolute threshold.
	RelativePCA bool

	// Replace high-variance fireflies before filtering.
	DetectOutliers bool
}

// The denoise parameters used when the caller does not supply any.
func DefaultDenoiseParams() DenoiseParams {
	return DenoiseParams{
		Radius:          8,
		Strength:        0.5,
		FeatureStrength: 0.5,
		RelativePCA:     false,
		DetectOutliers:  false,
	}
}

// A tile rendering task: the scheduler supplying tiles plus the denoise
// settings used for tiles that request denoising.
type TileTask struct {
	Scheduler TileScheduler
	Denoise   DenoiseParams
}

// A shader evaluation request over an input/output buffer pair.
type ShaderTask struct {
	Input  *MemRegion
	Output *MemRegion

	// Number of elements to evaluate.
	Elements int

	// Optional cancellation probe polled between evaluation chunks.
	Canceled func() bool
}

// A film conversion request: scale the float accumulator by SampleScale and
// write displayable pixels into Target.
type DisplayTask struct {
	Source *MemRegion
	Target *MemRegion

	W, H int32

	// Pixel addressing into Source: index = Offset + y*Stride + x.
	Offset int32
	Stride int32

	// Accumulator scale, usually 1/samples.
	SampleScale float32

	// Emit half-float pixels instead of byte RGBA.
	HalfFloat bool
}

// The Device interface is implemented by compute device backends.
type Device interface {
	// Get device name.
	Name() string

	// Shutdown and cleanup the device. Drains the tile worker first.
	Close()

	// Resolve and load the kernel modules for the requested feature set.
	// Calling this while kernels are already loaded is a no-op.
	LoadKernels(features RequestedFeatures) error

	// Reserve device storage for a region. Texture and pixel regions are
	// given their specialized treatment based on the region kind.
	Alloc(r *MemRegion) error

	// Copy the full host-side buffer to the device, allocating device
	// storage first when the region has none.
	CopyToDevice(r *MemRegion) error

	// Copy a sub-rectangle of h rows starting at row y back into the host
	// buffer. Reading a never-allocated region zero-fills the destination
	// instead of failing.
	CopyFromDevice(r *MemRegion, y, w, h int, elemSize int64) error

	// Allocate if needed, then clear the device and host copies.
	Zero(r *MemRegion) error

	// Release device storage. Freeing an unallocated region is a no-op.
	Free(r *MemRegion)

	// Run the tile worker loop until the scheduler stops handing out work
	// or the device records an error.
	RunTiles(task *TileTask) error

	// Evaluate a shader over the task's input buffer in chunks.
	EvaluateShader(task *ShaderTask) error

	// Convert accumulator values to displayable pixels.
	ConvertToDisplay(task *DisplayTask) error

	// Get the sticky device error, or nil if the device is healthy.
	LastError() error

	// Get device allocation statistics.
	Stats() *MemoryStats
}
