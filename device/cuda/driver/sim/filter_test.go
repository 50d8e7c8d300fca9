package sim

import (
	"testing"

	"github.com/achilleasa/borealis/device"
)

func TestCombineHalves(t *testing.T) {
	arena := newTestArena(1 << 10)

	// The first half holds the sums of two samples, the second the sum of
	// a single sample. The scales normalize both to per-sample values.
	a := arena.allocFloats([]float32{4, 8})
	b := arena.allocFloats([]float32{4, 8})
	mean := arena.alloc(2 * 4)
	variance := arena.alloc(2 * 4)

	args := []interface{}{mean, variance, a, b, int32(2), float32(0.5), float32(1)}
	if err := filterCombineHalves(serialGrid(2), arena, args); err != nil {
		t.Fatal(err)
	}

	expMean := []float32{3, 6}
	expVar := []float32{2, 8}
	gotMean := arena.floats(t, mean, 2)
	gotVar := arena.floats(t, variance, 2)
	for i := 0; i < 2; i++ {
		if gotMean[i] != expMean[i] {
			t.Fatalf("expected mean %d to be %f; got %f", i, expMean[i], gotMean[i])
		}
		if gotVar[i] != expVar[i] {
			t.Fatalf("expected variance %d to be %f; got %f", i, expVar[i], gotVar[i])
		}
	}
}

func TestDivideShadow(t *testing.T) {
	arena := newTestArena(1 << 10)
	shadow := arena.allocFloats([]float32{1, 0.5, 2})
	samples := arena.allocFloats([]float32{4, 0, 8})
	out := arena.alloc(3 * 4)

	args := []interface{}{out, shadow, samples, int32(3)}
	if err := filterDivideShadow(serialGrid(3), arena, args); err != nil {
		t.Fatal(err)
	}

	exp := []float32{0.25, 0, 0.25}
	got := arena.floats(t, out, 3)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected element %d to be %f; got %f", i, exp[i], got[i])
		}
	}
}

func TestGetFeature(t *testing.T) {
	arena := newTestArena(4 << 10)

	// 2x2 frame accumulator with a recognizable value in the shadow pass.
	buf := arena.alloc(4 * device.PassStride * 4)
	view := arena.floats(t, buf, 4*device.PassStride)
	for pixel := int64(0); pixel < 4; pixel++ {
		view[pixel*device.PassStride+device.PassShadow] = float32(pixel) + 10
	}
	out := arena.alloc(4 * 4)

	args := []interface{}{
		out, buf,
		int32(device.PassShadow), int32(device.PassStride),
		int32(0), int32(2),
		int32(0), int32(0), int32(2), int32(2),
	}
	if err := filterGetFeature(serialGrid(4), arena, args); err != nil {
		t.Fatal(err)
	}

	got := arena.floats(t, out, 4)
	for i := 0; i < 4; i++ {
		if exp := float32(i) + 10; got[i] != exp {
			t.Fatalf("expected feature element %d to be %f; got %f", i, exp, got[i])
		}
	}
}

func TestDetectOutliersFlatSignal(t *testing.T) {
	arena := newTestArena(4 << 10)
	flat := make([]float32, 25)
	for i := range flat {
		flat[i] = 0.75
	}
	in := arena.allocFloats(flat)
	out := arena.alloc(25 * 4)

	args := []interface{}{in, out, int32(5), int32(5), float32(2)}
	if err := filterDetectOutliers(serialGrid(25), arena, args); err != nil {
		t.Fatal(err)
	}

	got := arena.floats(t, out, 25)
	for i := range got {
		if got[i] != 0.75 {
			t.Fatalf("expected flat signal to pass through unchanged; pixel %d became %f", i, got[i])
		}
	}
}

func TestDetectOutliersReplacesSpike(t *testing.T) {
	arena := newTestArena(4 << 10)
	img := make([]float32, 25)
	for i := range img {
		img[i] = 1
	}
	img[12] = 100 // center of the 5x5 image
	in := arena.allocFloats(img)
	out := arena.alloc(25 * 4)

	args := []interface{}{in, out, int32(5), int32(5), float32(2)}
	if err := filterDetectOutliers(serialGrid(25), arena, args); err != nil {
		t.Fatal(err)
	}

	got := arena.floats(t, out, 25)
	if got[12] != 12 {
		t.Fatalf("expected the spike to be replaced by the local mean 12; got %f", got[12])
	}
	for i := range got {
		if i != 12 && got[i] != 1 {
			t.Fatalf("expected pixel %d to survive outlier detection; got %f", i, got[i])
		}
	}
}

func TestNLMCalcDifference(t *testing.T) {
	arena := newTestArena(1 << 10)
	a := arena.allocFloats([]float32{1, 2, 3})
	b := arena.allocFloats([]float32{1, 2, 3})
	variance := arena.alloc(3 * 4)
	diff := arena.alloc(3 * 4)

	args := []interface{}{diff, a, b, variance, int32(3), int32(1), int32(1), int32(0)}
	if err := filterNLMCalcDifference(serialGrid(3), arena, args); err != nil {
		t.Fatal(err)
	}

	// The shifted taps clamp at the right edge.
	exp := []float32{1, 1, 0}
	got := arena.floats(t, diff, 3)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected squared difference %d to be %f; got %f", i, exp[i], got[i])
		}
	}
}

// The variance estimate soaks up squared differences that sampling noise
// alone explains, leaving the difference image clamped at zero.
func TestNLMCalcDifferenceDiscountsVariance(t *testing.T) {
	arena := newTestArena(1 << 10)
	a := arena.allocFloats([]float32{1, 2, 3})
	b := arena.allocFloats([]float32{1, 2, 3})
	variance := arena.allocFloats([]float32{0.5, 0.5, 0.5})
	diff := arena.alloc(3 * 4)

	args := []interface{}{diff, a, b, variance, int32(3), int32(1), int32(1), int32(0)}
	if err := filterNLMCalcDifference(serialGrid(3), arena, args); err != nil {
		t.Fatal(err)
	}

	exp := []float32{0, 0, 0}
	got := arena.floats(t, diff, 3)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected discounted difference %d to be %f; got %f", i, exp[i], got[i])
		}
	}
}

func TestNLMBlur(t *testing.T) {
	arena := newTestArena(1 << 10)
	in := arena.allocFloats([]float32{3, 6, 9})
	out := arena.alloc(3 * 4)

	args := []interface{}{in, out, int32(3), int32(1), int32(1), int32(0)}
	if err := filterNLMBlur(serialGrid(3), arena, args); err != nil {
		t.Fatal(err)
	}

	exp := []float32{4, 6, 8}
	got := arena.floats(t, out, 3)
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("expected blurred element %d to be %f; got %f", i, exp[i], got[i])
		}
	}
}

// A constant input must survive the full non local means chain untouched:
// zero differences produce uniform weights and normalization cancels them.
func TestNLMSmoothFlatSignal(t *testing.T) {
	const w, h = 6, 5
	const c = 0.75

	arena := newTestArena(64 << 10)
	flat := make([]float32, w*h)
	for i := range flat {
		flat[i] = c
	}
	img := arena.allocFloats(flat)
	variance := arena.alloc(w * h * 4)
	diff := arena.alloc(w * h * 4)
	blurA := arena.alloc(w * h * 4)
	blurB := arena.alloc(w * h * 4)
	weight := arena.alloc(w * h * 4)
	accum := arena.alloc(w * h * 4)
	total := arena.alloc(w * h * 4)
	out := arena.alloc(w * h * 4)

	grid := serialGrid(w * h)
	for dy := int32(-1); dy <= 1; dy++ {
		for dx := int32(-1); dx <= 1; dx++ {
			steps := []struct {
				kernel Kernel
				args   []interface{}
			}{
				{filterNLMCalcDifference, []interface{}{diff, img, img, variance, int32(w), int32(h), dx, dy}},
				{filterNLMBlur, []interface{}{diff, blurA, int32(w), int32(h), int32(2), int32(0)}},
				{filterNLMBlur, []interface{}{blurA, blurB, int32(w), int32(h), int32(2), int32(1)}},
				{filterNLMCalcWeight, []interface{}{blurB, weight, int32(w), int32(h), float32(2)}},
				{filterNLMUpdateOutput, []interface{}{weight, img, accum, total, int32(w), int32(h), dx, dy}},
			}
			for _, step := range steps {
				if err := step.kernel(grid, arena, step.args); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	if err := filterNLMNormalize(grid, arena, []interface{}{accum, total, out, int32(w * h)}); err != nil {
		t.Fatal(err)
	}

	got := arena.floats(t, out, w*h)
	for i := range got {
		if got[i] != c {
			t.Fatalf("expected pixel %d to stay at %f; got %f", i, c, got[i])
		}
	}
}

func TestConstructTransform(t *testing.T) {
	const w, h = 4, 3

	arena := newTestArena(4 << 10)
	feature := make([]float32, w*h)
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			if px >= 2 {
				feature[py*w+px] = 1
			}
		}
	}
	featPtr := arena.allocFloats(feature)
	shadow := arena.alloc(w * h * 4)
	transform := arena.alloc(w * h * 4)
	rank := arena.alloc(w * h * 4)

	args := []interface{}{featPtr, shadow, transform, rank, int32(w), int32(h), float32(0.01)}
	if err := filterConstructTransform(serialGrid(w*h), arena, args); err != nil {
		t.Fatal(err)
	}

	gotRank := arena.floats(t, rank, w*h)
	gotTransform := arena.floats(t, transform, w*h)
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			index := py*w + px
			flatRegion := px == 0 || px == w-1
			if flatRegion {
				if gotRank[index] != 1 {
					t.Fatalf("expected rank 1 in the flat region at (%d, %d); got %f", px, py, gotRank[index])
				}
				continue
			}
			if gotRank[index] != 2 {
				t.Fatalf("expected rank 2 near the feature edge at (%d, %d); got %f", px, py, gotRank[index])
			}
			if gotTransform[index] <= 0 {
				t.Fatalf("expected a positive basis scale at (%d, %d); got %f", px, py, gotTransform[index])
			}
		}
	}
}

func TestGramianFinalize(t *testing.T) {
	const n = 4

	arena := newTestArena(8 << 10)
	weight := arena.allocFloats([]float32{1, 1, 1, 0})

	// Planar color layout: three planes of n values.
	color := make([]float32, n*3)
	for i := 0; i < n; i++ {
		color[0*n+i] = float32(i)
		color[1*n+i] = float32(2 * i)
		color[2*n+i] = float32(3 * i)
	}
	colorPtr := arena.allocFloats(color)

	// Rank 1 everywhere so the basis scale leaves the weights untouched.
	transform := arena.alloc(n * 4)
	rank := arena.allocFloats([]float32{1, 1, 1, 1})
	xtwx := arena.alloc(n * 4)
	xtwy := arena.alloc(n * 3 * 4)

	// A 4x1 frame accumulator seeded with a sentinel color so untouched
	// pixels are easy to spot.
	frame := make([]float32, n*device.PassStride)
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			frame[i*device.PassStride+device.PassCombined+c] = 99
		}
	}
	buf := arena.allocFloats(frame)

	args := []interface{}{
		weight, colorPtr, transform, rank, xtwx, xtwy,
		int32(n), int32(1), int32(0), int32(0),
	}
	if err := filterNLMConstructGramian(serialGrid(n), arena, args); err != nil {
		t.Fatal(err)
	}

	finalizeArgs := []interface{}{
		buf, xtwx, xtwy,
		int32(0), int32(n),
		int32(0), int32(0), int32(n), int32(1),
	}
	if err := filterFinalize(serialGrid(n), arena, finalizeArgs); err != nil {
		t.Fatal(err)
	}

	got := arena.floats(t, buf, int64(n)*device.PassStride)
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			exp := color[c*n+i]
			if i == n-1 {
				// The pixel that gathered no weight keeps its noisy value.
				exp = 99
			}
			if v := got[i*device.PassStride+device.PassCombined+c]; v != exp {
				t.Fatalf("expected pixel %d channel %d to be %f; got %f", i, c, exp, v)
			}
		}
	}
}
