//go:build !cuda

package cuda

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/achilleasa/borealis/device"
)

// stubNvcc creates a fake toolchain binary that reports a modern version
// and writes a placeholder cubin to the requested output path. The software
// driver loads any file as a module.
func stubNvcc(t *testing.T) string {
	t.Helper()

	script := `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "Cuda compilation tools, release 11.2, V11.2.152"
	exit 0
fi
out=""
while [ $# -gt 0 ]; do
	if [ "$1" = "-o" ]; then
		out="$2"
		shift
	fi
	shift
done
echo "cubin" > "$out"
`
	path := filepath.Join(t.TempDir(), "nvcc")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// The software driver exposes two simulated devices: ordinal 0 is a
// bindless-capable compute card, ordinal 1 a display-attached Fermi card.
func createDevice(t *testing.T, cfg Config) *cudaDevice {
	t.Helper()

	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	if cfg.Nvcc == "" {
		cfg.Nvcc = stubNvcc(t)
	}

	dev, err := NewDevice(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Close)
	return dev.(*cudaDevice)
}

func loadTestKernels(t *testing.T, d *cudaDevice, features device.RequestedFeatures) {
	t.Helper()
	if features.MaxClosures == 0 {
		features.MaxClosures = device.DefaultFeatures().MaxClosures
	}
	if err := d.LoadKernels(features); err != nil {
		t.Fatal(err)
	}
}

func TestNewDevice(t *testing.T) {
	dev := createDevice(t, Config{})

	expName := "Virtual GPU (SM 5.2)"
	if got := dev.Name(); got != expName {
		t.Fatalf("expected device name to be %q; got %q", expName, got)
	}
	if dev.sampleBoost != defaultSampleBoost {
		t.Fatalf("expected default sample boost %d; got %d", defaultSampleBoost, dev.sampleBoost)
	}
	if dev.LastError() != nil {
		t.Fatalf("expected a fresh device to be healthy; got %v", dev.LastError())
	}
}

func TestNewDeviceBadOrdinal(t *testing.T) {
	if _, err := NewDevice(Config{Ordinal: 99}); err == nil {
		t.Fatal("expected device creation to fail for an invalid ordinal")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	dev := createDevice(t, Config{})
	dev.Close()

	r := &device.MemRegion{Name: "scratch", Type: device.TypeFloat, Channels: 1, Width: 16}
	if err := dev.Alloc(r); err != ErrDeviceClosed {
		t.Fatalf("expected ErrDeviceClosed; got %v", err)
	}

	// Closing again is a no-op.
	dev.Close()
}

func TestLoadKernelsOnce(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	if dev.kernels == nil || dev.kernels.split != nil {
		t.Fatal("expected the render and filter modules without the split module")
	}

	// The first feature set wins; a second load does not replace the
	// modules.
	loadTestKernels(t, dev, device.RequestedFeatures{UseSplitKernel: true})
	if dev.kernels.split != nil {
		t.Fatal("expected the second kernel load to be a no-op")
	}
}

func TestLoadSplitKernels(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{UseSplitKernel: true})

	if dev.kernels.split == nil || dev.kernels.splitState == nil {
		t.Fatal("expected the split module and its state probe to be resolved")
	}
}

func TestStickyErrorState(t *testing.T) {
	dev := createDevice(t, Config{})

	task := &device.ShaderTask{
		Input:    &device.MemRegion{Name: "in"},
		Output:   &device.MemRegion{Name: "out"},
		Elements: 8,
	}
	if err := dev.EvaluateShader(task); err != ErrKernelsNotLoaded {
		t.Fatalf("expected ErrKernelsNotLoaded; got %v", err)
	}

	// Later failures must not mask the first recorded error.
	loadTestKernels(t, dev, device.RequestedFeatures{})
	if err := dev.EvaluateShader(task); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated; got %v", err)
	}
	if err := dev.LastError(); err != ErrKernelsNotLoaded {
		t.Fatalf("expected the first error to stay sticky; got %v", err)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	r := &device.MemRegion{Name: "scratch", Type: device.TypeFloat, Channels: 1, Width: 1024}
	if err := dev.Alloc(r); err != nil {
		t.Fatal(err)
	}
	if got := dev.Stats().Current(); got != 4096 {
		t.Fatalf("expected 4096 bytes tracked; got %d", got)
	}

	dev.Close()
	if got := dev.Stats().Current(); got != 0 {
		t.Fatalf("expected no tracked bytes after close; got %d", got)
	}
}
