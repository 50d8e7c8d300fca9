package renderer

import (
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/log"
)

type Renderer interface {
	// Render frame.
	Render() error

	// Shutdown renderer and any attached devices.
	Close()

	// Get render statistics.
	Stats() FrameStats
}

// defaultRenderer drives a pool of compute devices over one frame. Every
// device renders tiles into its own accumulator copy; after each pass the
// per-device contributions are merged onto the primary device, which also
// runs the denoise pass and converts the frame for display.
type defaultRenderer struct {
	logger log.Logger
	opts   Options

	devices []device.Device
	accums  []*device.MemRegion

	// Displayable pixels, allocated on the primary device on first use.
	pixels *device.MemRegion

	// Samples accumulated into the frame so far.
	accumulated uint32
	denoised    bool

	perDevice []DeviceStat
	frameTime time.Duration

	closed bool
}

// NewDefault creates a renderer driving the supplied device pool. Devices
// that fail to load the requested kernel set are closed and dropped; at
// least one device must survive.
func NewDefault(devices []device.Device, opts Options) (Renderer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	r := &defaultRenderer{
		logger: log.New("renderer"),
		opts:   opts,
	}

	for _, dev := range devices {
		if err := dev.LoadKernels(opts.Features); err != nil {
			r.logger.Warningf("skipping device %q: %v", dev.Name(), err)
			dev.Close()
			continue
		}
		r.devices = append(r.devices, dev)
	}
	if len(r.devices) == 0 {
		return nil, ErrNoDevices
	}

	pixels := int64(opts.FrameW) * int64(opts.FrameH)
	for i, dev := range r.devices {
		host := make([]float32, pixels*device.PassStride)
		r.accums = append(r.accums, &device.MemRegion{
			Name:     fmt.Sprintf("frame accumulator %d", i),
			Type:     device.TypeFloat,
			Channels: 1,
			Width:    int64(len(host)),
			Host:     host,
		})
		r.perDevice = append(r.perDevice, DeviceStat{Name: dev.Name()})
	}

	r.pixels = &device.MemRegion{
		Name:     "display pixels",
		Kind:     device.KindPixels,
		Type:     device.TypeUChar,
		Channels: 4,
		Width:    int64(opts.FrameW),
		Height:   int64(opts.FrameH),
		Host:     make([]byte, pixels*4),
	}

	return r, nil
}

// Render accumulates the configured sample count, optionally denoises the
// result and converts it into the display pixel buffer.
func (r *defaultRenderer) Render() error {
	start := time.Now()

	if err := r.zeroFrame(); err != nil {
		return err
	}

	samples := r.opts.SamplesPerPixel
	if samples == 0 {
		samples = 1
	}
	if err := r.renderPass(0, int32(samples)); err != nil {
		return err
	}

	if r.opts.Denoise {
		if err := r.denoisePass(); err != nil {
			return err
		}
	}

	err := r.convert()
	r.frameTime = time.Since(start)
	return err
}

// Shutdown renderer and any attached devices.
func (r *defaultRenderer) Close() {
	if r.closed {
		return
	}
	r.closed = true

	for i, dev := range r.devices {
		dev.Free(r.accums[i])
	}
	if r.pixels.Allocated() {
		if primary := r.primaryIndex(); primary >= 0 {
			r.devices[primary].Free(r.pixels)
		}
	}
	for _, dev := range r.devices {
		dev.Close()
	}
}

// Get render statistics.
func (r *defaultRenderer) Stats() FrameStats {
	primary := r.primaryIndex()

	stats := FrameStats{
		Samples:    r.accumulated,
		RenderTime: r.frameTime,
	}
	for i, dev := range r.devices {
		stat := r.perDevice[i]
		stat.IsPrimary = i == primary
		stat.Memory = dev.Stats().String()
		stats.Devices = append(stats.Devices, stat)
	}
	return stats
}

// Pixels exposes the host copy of the display pixel buffer in RGBA order.
// The copy is refreshed by every convert except when the primary device
// writes straight into a shared OpenGL buffer.
func (r *defaultRenderer) Pixels() []byte {
	return r.pixels.HostBytes()
}

// primaryIndex locates the first healthy device. The primary owns the
// merged frame, the denoise pass and the display conversion.
func (r *defaultRenderer) primaryIndex() int {
	for i, dev := range r.devices {
		if dev.LastError() == nil {
			return i
		}
	}
	return -1
}

// zeroFrame clears every device accumulator and resets the sample count.
func (r *defaultRenderer) zeroFrame() error {
	cleared := 0
	for i, dev := range r.devices {
		if dev.LastError() != nil {
			continue
		}
		if err := dev.Zero(r.accums[i]); err != nil {
			r.logger.Warningf("failed to clear the accumulator of device %q: %v", dev.Name(), err)
			continue
		}
		cleared++
	}
	if cleared == 0 {
		return ErrNoDevices
	}

	r.accumulated = 0
	r.denoised = false
	return nil
}

// renderPass accumulates one sample range across the device pool and merges
// the per-device contributions onto the primary device. A device failure
// mid-pass only loses that device's in-flight tile; pending tiles keep
// flowing to the healthy devices.
func (r *defaultRenderer) renderPass(sampleStart, sampleCount int32) error {
	sched := newTileScheduler(r.opts.FrameW, r.opts.FrameH, r.opts.TileSize, device.PathTrace, sampleStart, sampleCount)

	var wg sync.WaitGroup
	errs := make([]error, len(r.devices))
	elapsed := make([]time.Duration, len(r.devices))

	started := 0
	for i, dev := range r.devices {
		if dev.LastError() != nil {
			continue
		}
		sched.attachBuffer(dev, r.accums[i])
		started++

		wg.Add(1)
		go func(i int, dev device.Device) {
			defer wg.Done()
			passStart := time.Now()
			errs[i] = dev.RunTiles(&device.TileTask{Scheduler: sched, Denoise: r.opts.DenoiseParams})
			elapsed[i] = time.Since(passStart)
		}(i, dev)
	}
	wg.Wait()

	if started == 0 {
		return ErrNoDevices
	}

	var firstErr error
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
		r.logger.Warningf("device %q failed mid-pass: %v", r.devices[i].Name(), err)
	}
	if failed == started {
		return firstErr
	}

	for i, dev := range r.devices {
		r.perDevice[i].Tiles += sched.tilesAcquiredBy(dev)
		r.perDevice[i].RenderTime += elapsed[i]
	}

	if err := r.mergeAccumulators(); err != nil {
		return err
	}

	r.accumulated += uint32(sampleCount)
	return nil
}

// mergeAccumulators reads every device's contribution back and folds it
// into the primary accumulator. The merged frame is re-uploaded to the
// primary device and the secondary accumulators are cleared so the next
// pass starts from a blank contribution.
func (r *defaultRenderer) mergeAccumulators() error {
	primary := r.primaryIndex()
	if primary < 0 {
		return ErrNoDevices
	}

	merged := 0
	for i, dev := range r.devices {
		if dev.LastError() != nil {
			continue
		}
		accum := r.accums[i]
		if err := dev.CopyFromDevice(accum, 0, int(accum.Width), 1, 4); err != nil {
			r.logger.Warningf("failed to read back the accumulator of device %q: %v", dev.Name(), err)
			continue
		}
		merged++
	}
	if merged == 0 {
		return ErrNoDevices
	}
	if merged == 1 {
		return nil
	}

	sum := r.accums[primary].Host.([]float32)
	for i, dev := range r.devices {
		if i == primary || dev.LastError() != nil {
			continue
		}
		for j, v := range r.accums[i].Host.([]float32) {
			sum[j] += v
		}
	}

	if err := r.devices[primary].CopyToDevice(r.accums[primary]); err != nil {
		return err
	}
	for i, dev := range r.devices {
		if i == primary || dev.LastError() != nil {
			continue
		}
		if err := dev.Zero(r.accums[i]); err != nil {
			r.logger.Warningf("failed to clear the accumulator of device %q: %v", dev.Name(), err)
		}
	}
	return nil
}

// denoisePass runs the denoise pipeline over the merged frame on the
// primary device.
func (r *defaultRenderer) denoisePass() error {
	primary := r.primaryIndex()
	if primary < 0 {
		return ErrNoDevices
	}
	if r.accumulated == 0 || r.denoised {
		return nil
	}

	dev := r.devices[primary]
	sched := newTileScheduler(r.opts.FrameW, r.opts.FrameH, r.opts.TileSize, device.Denoise, 0, int32(r.accumulated))
	sched.attachBuffer(dev, r.accums[primary])

	passStart := time.Now()
	err := dev.RunTiles(&device.TileTask{Scheduler: sched, Denoise: r.opts.DenoiseParams})
	r.perDevice[primary].RenderTime += time.Since(passStart)
	if err != nil {
		return err
	}

	accum := r.accums[primary]
	if err = dev.CopyFromDevice(accum, 0, int(accum.Width), 1, 4); err != nil {
		return err
	}
	r.denoised = true
	return nil
}

// convert scales the merged accumulator by the accumulated sample count and
// writes displayable byte RGBA pixels.
func (r *defaultRenderer) convert() error {
	primary := r.primaryIndex()
	if primary < 0 {
		return ErrNoDevices
	}
	if r.accumulated == 0 {
		return nil
	}

	dev := r.devices[primary]
	if !r.pixels.Allocated() {
		if err := dev.Alloc(r.pixels); err != nil {
			return err
		}
	}

	return dev.ConvertToDisplay(&device.DisplayTask{
		Source:      r.accums[primary],
		Target:      r.pixels,
		W:           int32(r.opts.FrameW),
		H:           int32(r.opts.FrameH),
		Offset:      0,
		Stride:      int32(r.opts.FrameW),
		SampleScale: 1 / float32(r.accumulated),
	})
}
