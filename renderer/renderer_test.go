//go:build !cuda

package renderer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda"
)

// stubNvcc creates a fake toolchain binary so kernel resolution succeeds
// against the software driver, which loads any file as a module.
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

func createTestDevice(t *testing.T, ordinal int) device.Device {
	t.Helper()

	dev, err := cuda.NewDevice(cuda.Config{
		Ordinal:  ordinal,
		CacheDir: t.TempDir(),
		Nvcc:     stubNvcc(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

// expectedFramePixels mirrors the deterministic gradient the software path
// trace kernel accumulates, converted to byte RGBA.
func expectedFramePixels(w, h int) []byte {
	pixels := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out := (y*w + x) * 4
			pixels[out+0] = byte(float32(x)/float32(w)*255.0 + 0.5)
			pixels[out+1] = byte(float32(y)/float32(w)*255.0 + 0.5)
			pixels[out+2] = byte(0.5*255.0 + 0.5)
			pixels[out+3] = 255
		}
	}
	return pixels
}

func TestDefaultRendererFrame(t *testing.T) {
	const frameW, frameH = 16, 16

	r, err := NewDefault([]device.Device{createTestDevice(t, 0)}, Options{
		FrameW:          frameW,
		FrameH:          frameH,
		SamplesPerPixel: 4,
		TileSize:        8,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err = r.Render(); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	if stats.Samples != 4 {
		t.Fatalf("expected 4 accumulated samples; got %d", stats.Samples)
	}
	if len(stats.Devices) != 1 || !stats.Devices[0].IsPrimary {
		t.Fatalf("expected a single primary device; got %+v", stats.Devices)
	}
	if stats.Devices[0].Tiles != 4 {
		t.Fatalf("expected the device to render 4 tiles; got %d", stats.Devices[0].Tiles)
	}

	got := r.(*defaultRenderer).Pixels()
	exp := expectedFramePixels(frameW, frameH)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("pixel byte %d: expected %d; got %d", i, exp[i], got[i])
		}
	}
}

func TestDefaultRendererMergesDevices(t *testing.T) {
	const frameW, frameH = 16, 16

	// Ordinal 1 is the simulated display-attached card; the frame must
	// come out identical no matter how tiles are split across the pool.
	pool := []device.Device{createTestDevice(t, 0), createTestDevice(t, 1)}
	r, err := NewDefault(pool, Options{
		FrameW:          frameW,
		FrameH:          frameH,
		SamplesPerPixel: 2,
		TileSize:        4,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err = r.Render(); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	tiles := 0
	for _, stat := range stats.Devices {
		tiles += stat.Tiles
	}
	if tiles != 16 {
		t.Fatalf("expected 16 tiles across the pool; got %d", tiles)
	}

	got := r.(*defaultRenderer).Pixels()
	exp := expectedFramePixels(frameW, frameH)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("pixel byte %d: expected %d; got %d", i, exp[i], got[i])
		}
	}
}

func TestDefaultRendererDenoise(t *testing.T) {
	const frameW, frameH = 16, 16

	r, err := NewDefault([]device.Device{createTestDevice(t, 0)}, Options{
		FrameW:          frameW,
		FrameH:          frameH,
		SamplesPerPixel: 4,
		TileSize:        8,
		Denoise:         true,
		DenoiseParams: device.DenoiseParams{
			Radius:   2,
			Strength: 0.5,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err = r.Render(); err != nil {
		t.Fatal(err)
	}

	// The filtered frame stays displayable: opaque pixels with finite
	// channel values.
	got := r.(*defaultRenderer).Pixels()
	if len(got) != frameW*frameH*4 {
		t.Fatalf("expected %d pixel bytes; got %d", frameW*frameH*4, len(got))
	}
	for i := 3; i < len(got); i += 4 {
		if got[i] != 255 {
			t.Fatalf("pixel %d: expected an opaque alpha; got %d", i/4, got[i])
		}
	}
}

func TestRendererDropsFailingDevice(t *testing.T) {
	// A device that cannot compile kernels is closed and dropped at
	// construction time.
	bad, err := cuda.NewDevice(cuda.Config{Ordinal: 0, CacheDir: t.TempDir(), Nvcc: "/does/not/exist"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err = NewDefault([]device.Device{bad}, Options{FrameW: 8, FrameH: 8}); err != ErrNoDevices {
		t.Fatalf("expected ErrNoDevices; got %v", err)
	}
}
