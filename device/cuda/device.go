package cuda

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
	"github.com/achilleasa/borealis/log"
)

// Multiplier applied to the per-launch sample batch size on devices that do
// not drive a display and can therefore tolerate long-running kernels.
const defaultSampleBoost = 8

// Config controls device creation.
type Config struct {
	// The ordinal of the device to attach to.
	Ordinal int

	// Multiplier applied to the per-launch sample batch size on
	// non-display devices. Defaults to 8 when zero.
	SampleBoost int

	// Override the compiled kernel cache location. Defaults to a
	// subdirectory of the user cache.
	CacheDir string

	// Override the nvcc binary used for kernel compilation. Looked up in
	// PATH when empty.
	Nvcc string
}

type cudaDevice struct {
	sync.Mutex
	wg sync.WaitGroup

	logger log.Logger

	props driver.Properties
	ctx   *driver.Context

	compiler *kernelCompiler
	kernels  *deviceKernels

	resources resourceTable
	textures  textureTable

	errState device.ErrorState

	sampleBoost int

	// Set after the first failed GL buffer registration; pixel regions
	// fall back to plain device storage from then on.
	interopBroken bool

	// A channel for passing operations to the worker goroutine.
	reqChan chan deviceRequest

	// A channel for signaling the worker to exit.
	closeChan chan struct{}

	closed bool
}

type deviceRequest struct {
	op      func() error
	errChan chan error
}

// NewDevice attaches to the CUDA device with the given ordinal and starts
// its worker goroutine. Kernels must be loaded before submitting any render
// work.
func NewDevice(cfg Config) (device.Device, error) {
	if err := driver.Init(); err != nil {
		return nil, err
	}

	props, err := driver.DeviceProperties(cfg.Ordinal)
	if err != nil {
		return nil, err
	}
	if props.Major < 2 {
		return nil, ErrUnsupportedDevice
	}

	ctx, err := driver.NewContext(cfg.Ordinal)
	if err != nil {
		return nil, err
	}

	boost := cfg.SampleBoost
	if boost <= 0 {
		boost = defaultSampleBoost
	}

	logger := log.New(fmt.Sprintf("cuda device (%s)", props.Name))
	d := &cudaDevice{
		logger:      logger,
		props:       props,
		ctx:         ctx,
		compiler:    newKernelCompiler(logger, cfg.CacheDir, cfg.Nvcc),
		sampleBoost: boost,
		reqChan:     make(chan deviceRequest, 0),
		closeChan:   make(chan struct{}, 0),
	}
	d.startWorker()
	return d, nil
}

// startWorker spins up the goroutine that owns all driver calls for this
// device. The goroutine stays locked to its OS thread so the context stack
// manipulated by the scope guard is always the same one.
func (d *cudaDevice) startWorker() {
	readyChan := make(chan struct{}, 0)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		close(readyChan)
		for {
			select {
			case req := <-d.reqChan:
				req.errChan <- d.runScoped(req.op)
			case <-d.closeChan:
				return
			}
		}
	}()

	// Wait for worker goroutine to start
	<-readyChan
}

// runScoped makes the device context current for the duration of one
// operation.
func (d *cudaDevice) runScoped(op func() error) error {
	scope, err := pushScope(d.ctx)
	if err != nil {
		return d.fail(fmt.Errorf("cuda device: failed to make context current: %v", err))
	}
	defer func() {
		if err := scope.Release(); err != nil {
			d.fail(fmt.Errorf("cuda device: failed to restore the previous context: %v", err))
		}
	}()

	return op()
}

// submit runs an operation on the worker goroutine and waits for its
// result.
func (d *cudaDevice) submit(op func() error) error {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}

	req := deviceRequest{op: op, errChan: make(chan error, 1)}
	d.reqChan <- req
	return <-req.errChan
}

// Get device name.
func (d *cudaDevice) Name() string {
	return d.props.Name
}

// Shutdown and cleanup the device. Blocks until the worker exits.
func (d *cudaDevice) Close() {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return
	}

	// Release device state from the worker thread before stopping it.
	req := deviceRequest{op: d.releaseAll, errChan: make(chan error, 1)}
	d.reqChan <- req
	<-req.errChan

	d.closed = true

	// Signal worker to exit and wait till it exits
	close(d.closeChan)
	d.wg.Wait()

	if err := d.ctx.Destroy(); err != nil {
		d.logger.Warningf("failed to destroy context: %v", err)
	}
}

// releaseAll frees every tracked resource, drops the texture info table and
// unloads the kernel modules.
func (d *cudaDevice) releaseAll() error {
	slots := d.resources.removeAll()
	for i := range slots {
		d.releaseSlot(&slots[i])
	}

	if d.textures.tablePtr != 0 {
		if err := d.ctx.MemFree(d.textures.tablePtr); err != nil {
			d.logger.Warningf("failed to free texture info table: %v", err)
		}
		d.textures.tablePtr = 0
		d.textures.tableCap = 0
	}

	if d.kernels != nil {
		d.kernels.unload(d.logger)
		d.kernels = nil
	}
	return nil
}

// LoadKernels resolves and loads the kernel modules for the requested
// feature set. Calling it again while kernels are loaded is a no-op; the
// first feature set wins.
func (d *cudaDevice) LoadKernels(features device.RequestedFeatures) error {
	return d.submit(func() error {
		if d.kernels != nil {
			return nil
		}

		k, err := loadKernels(d.ctx, d.compiler, d.props, features)
		if err != nil {
			return d.fail(err)
		}
		d.kernels = k
		return nil
	})
}

func (d *cudaDevice) Alloc(r *device.MemRegion) error {
	return d.submit(func() error { return d.allocRegion(r) })
}

func (d *cudaDevice) CopyToDevice(r *device.MemRegion) error {
	return d.submit(func() error { return d.copyToDevice(r) })
}

func (d *cudaDevice) CopyFromDevice(r *device.MemRegion, y, w, h int, elemSize int64) error {
	return d.submit(func() error { return d.copyFromDevice(r, y, w, h, elemSize) })
}

func (d *cudaDevice) Zero(r *device.MemRegion) error {
	return d.submit(func() error { return d.zeroRegion(r) })
}

func (d *cudaDevice) Free(r *device.MemRegion) {
	d.submit(func() error {
		d.freeRegion(r)
		return nil
	})
}

func (d *cudaDevice) RunTiles(task *device.TileTask) error {
	return d.submit(func() error { return d.runTiles(task) })
}

func (d *cudaDevice) EvaluateShader(task *device.ShaderTask) error {
	return d.submit(func() error { return d.evaluateShader(task) })
}

func (d *cudaDevice) ConvertToDisplay(task *device.DisplayTask) error {
	return d.submit(func() error { return d.convertToDisplay(task) })
}

// Get the sticky device error.
func (d *cudaDevice) LastError() error {
	return d.errState.Err()
}

// Get device allocation statistics.
func (d *cudaDevice) Stats() *device.MemoryStats {
	return &d.resources.stats
}

// fail records err as the sticky device error. The first recorded failure
// also logs a troubleshooting pointer.
func (d *cudaDevice) fail(err error) error {
	if d.errState.Record(err) {
		d.logger.Errorf("%v", err)
		d.logger.Noticef("see %s for tips on diagnosing gpu issues", troubleshootingURL)
	}
	return err
}
