//go:build !cuda

package cuda

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/achilleasa/borealis/device"
)

func TestResourceTableGenerations(t *testing.T) {
	var table resourceTable

	id := table.insert(resourceSlot{name: "a", size: 64})
	slot, err := table.lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	if slot.name != "a" {
		t.Fatalf("expected to look up slot a; got %q", slot.name)
	}
	if got := table.stats.Current(); got != 64 {
		t.Fatalf("expected 64 tracked bytes; got %d", got)
	}

	if _, err = table.remove(id); err != nil {
		t.Fatal(err)
	}
	if _, err = table.lookup(id); err != ErrStaleResource {
		t.Fatalf("expected ErrStaleResource after removal; got %v", err)
	}
	if got := table.stats.Current(); got != 0 {
		t.Fatalf("expected no tracked bytes after removal; got %d", got)
	}

	// The freed index is reused under a new generation; the retired id
	// must not resolve to the recycled slot.
	next := table.insert(resourceSlot{name: "b", size: 32})
	if next == id {
		t.Fatal("expected the recycled slot to mint a fresh id")
	}
	if uint64(next)>>32 != uint64(id)>>32 {
		t.Fatalf("expected the freed slot index to be reused; got %d and %d", uint64(id)>>32, uint64(next)>>32)
	}
	if _, err = table.lookup(id); err != ErrStaleResource {
		t.Fatalf("expected the retired id to stay stale; got %v", err)
	}
	if slot, err = table.lookup(next); err != nil || slot.name != "b" {
		t.Fatalf("expected to look up slot b; got %q, %v", slot.name, err)
	}
}

func TestResourceTableUnallocatedID(t *testing.T) {
	var table resourceTable
	if _, err := table.lookup(0); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated for the zero id; got %v", err)
	}
}

func TestCopyRoundtrip(t *testing.T) {
	dev := createDevice(t, Config{})

	host := make([]float32, 64)
	for i := range host {
		host[i] = float32(i)
	}
	r := &device.MemRegion{Name: "samples", Type: device.TypeFloat, Channels: 1, Width: 64, Host: host}

	// CopyToDevice allocates on first use.
	if err := dev.CopyToDevice(r); err != nil {
		t.Fatal(err)
	}
	if !r.Allocated() {
		t.Fatal("expected the upload to allocate device storage")
	}

	for i := range host {
		host[i] = -1
	}
	if err := dev.CopyFromDevice(r, 0, 64, 1, 4); err != nil {
		t.Fatal(err)
	}
	for i := range host {
		if host[i] != float32(i) {
			t.Fatalf("expected element %d to roundtrip as %f; got %f", i, float32(i), host[i])
		}
	}

	dev.Free(r)
	if r.Allocated() {
		t.Fatal("expected free to clear the resource id")
	}
	if got := dev.Stats().Current(); got != 0 {
		t.Fatalf("expected no tracked bytes after free; got %d", got)
	}
}

func TestSubRectReadback(t *testing.T) {
	dev := createDevice(t, Config{})

	host := make([]float32, 32)
	for i := range host {
		host[i] = float32(i)
	}
	r := &device.MemRegion{Name: "frame", Type: device.TypeFloat, Channels: 1, Width: 8, Height: 4, Host: host}
	if err := dev.CopyToDevice(r); err != nil {
		t.Fatal(err)
	}

	for i := range host {
		host[i] = -1
	}

	// Read the leading 4 elements of rows 1 and 2; the rows are packed
	// into the host buffer at the window offset.
	if err := dev.CopyFromDevice(r, 1, 4, 2, 4); err != nil {
		t.Fatal(err)
	}
	exp := []float32{8, 9, 10, 11, 16, 17, 18, 19}
	for i, v := range exp {
		if host[4+i] != v {
			t.Fatalf("expected packed element %d to be %f; got %f", i, v, host[4+i])
		}
	}
	if host[0] != -1 || host[12] != -1 {
		t.Fatal("expected elements outside the window to stay untouched")
	}
}

func TestReadNeverAllocated(t *testing.T) {
	dev := createDevice(t, Config{})

	host := []float32{9, 9, 9, 9}
	r := &device.MemRegion{Name: "ghost", Type: device.TypeFloat, Channels: 1, Width: 4, Host: host}
	if err := dev.CopyFromDevice(r, 0, 4, 1, 4); err != nil {
		t.Fatal(err)
	}
	for i, v := range host {
		if v != 0 {
			t.Fatalf("expected element %d to read back as zero; got %f", i, v)
		}
	}
	if r.Allocated() {
		t.Fatal("expected the read not to allocate device storage")
	}
}

func TestZeroRegion(t *testing.T) {
	dev := createDevice(t, Config{})

	host := []float32{1, 2, 3, 4}
	r := &device.MemRegion{Name: "accum", Type: device.TypeFloat, Channels: 1, Width: 4, Host: host}
	if err := dev.CopyToDevice(r); err != nil {
		t.Fatal(err)
	}

	if err := dev.Zero(r); err != nil {
		t.Fatal(err)
	}
	for i, v := range host {
		if v != 0 {
			t.Fatalf("expected host element %d to be cleared; got %f", i, v)
		}
	}

	host[0] = 5
	if err := dev.CopyFromDevice(r, 0, 4, 1, 4); err != nil {
		t.Fatal(err)
	}
	if host[0] != 0 {
		t.Fatalf("expected the device copy to be cleared; got %f", host[0])
	}
}

func TestCopyOversizedHostRejected(t *testing.T) {
	dev := createDevice(t, Config{})

	r := &device.MemRegion{Name: "samples", Type: device.TypeFloat, Channels: 1, Width: 16}
	if err := dev.Alloc(r); err != nil {
		t.Fatal(err)
	}

	// The host copy outgrew the device allocation; the upload refuses
	// instead of truncating silently.
	r.Host = make([]float32, 32)
	if err := dev.CopyToDevice(r); err == nil {
		t.Fatal("expected an oversized upload to fail")
	}
	if dev.LastError() == nil {
		t.Fatal("expected the failed upload to latch the device error")
	}
}

func TestReallocReplacesStorage(t *testing.T) {
	dev := createDevice(t, Config{})

	r := &device.MemRegion{Name: "grow", Type: device.TypeFloat, Channels: 1, Width: 16}
	if err := dev.Alloc(r); err != nil {
		t.Fatal(err)
	}
	first := r.ID

	r.Width = 32
	if err := dev.Alloc(r); err != nil {
		t.Fatal(err)
	}
	if r.ID == first {
		t.Fatal("expected reallocation to mint a fresh id")
	}
	if _, err := dev.resources.lookup(first); err != ErrStaleResource {
		t.Fatalf("expected the old id to go stale; got %v", err)
	}
	if got := dev.Stats().Current(); got != 128 {
		t.Fatalf("expected 128 tracked bytes after reallocation; got %d", got)
	}
	// The old storage is released before the replacement is reserved.
	if got := dev.Stats().Peak(); got != 128 {
		t.Fatalf("expected a 128 byte peak; got %d", got)
	}
}

func TestConstantCopy(t *testing.T) {
	dev := createDevice(t, Config{})
	loadTestKernels(t, dev, device.RequestedFeatures{})

	host := []float32{1, 2, 3, 4}
	r := &device.MemRegion{Name: dataGlobal, Kind: device.KindConstant, Type: device.TypeFloat, Channels: 1, Width: 4, Host: host}
	if err := dev.CopyToDevice(r); err != nil {
		t.Fatal(err)
	}
	if r.Allocated() {
		t.Fatal("expected constants to own no tracked storage")
	}
	if got := dev.Stats().Current(); got != 0 {
		t.Fatalf("expected constant uploads to leave stats untouched; got %d", got)
	}

	ptr, size, err := dev.kernels.render.Global(dataGlobal)
	if err != nil {
		t.Fatal(err)
	}
	if size < 16 {
		t.Fatalf("expected the module to reserve at least 16 bytes; got %d", size)
	}

	data := make([]byte, 16)
	if err = dev.ctx.MemcpyDtoH(data, ptr); err != nil {
		t.Fatal(err)
	}
	for i, v := range host {
		if got := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])); got != v {
			t.Fatalf("expected constant element %d to be %f; got %f", i, v, got)
		}
	}

	// Zero clears the host copy and republishes it.
	if err = dev.Zero(r); err != nil {
		t.Fatal(err)
	}
	if err = dev.ctx.MemcpyDtoH(data, ptr); err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if data[i] != 0 {
			t.Fatalf("expected constant byte %d to be cleared; got %d", i, data[i])
		}
	}
}

func TestConstantCopyNeedsKernels(t *testing.T) {
	dev := createDevice(t, Config{})

	r := &device.MemRegion{Name: dataGlobal, Kind: device.KindConstant, Type: device.TypeFloat, Channels: 1, Width: 4, Host: []float32{1, 2, 3, 4}}
	if err := dev.CopyToDevice(r); err != ErrKernelsNotLoaded {
		t.Fatalf("expected ErrKernelsNotLoaded; got %v", err)
	}
}
