package sim

import (
	"math"

	"github.com/achilleasa/borealis/device"
)

// The filter kernels operate on tile-local scratch images: single channel
// float32 planes of w*h pixels unless noted otherwise. Out of bound
// neighborhood taps clamp to the image edge.

// Combine two independently sampled half buffers into a mean and an
// unbiased two-sample variance estimate. The halves arrive as raw sample
// sums, so each is normalized by its own scale first.
func filterCombineHalves(g Grid, mem Memory, args []interface{}) error {
	meanPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	varPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	aPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	bPtr, err := argPtr(args, 3)
	if err != nil {
		return err
	}
	count, err := argI32(args, 4)
	if err != nil {
		return err
	}
	scaleA, err := argF32(args, 5)
	if err != nil {
		return err
	}
	scaleB, err := argF32(args, 6)
	if err != nil {
		return err
	}

	n := int64(count)
	mean, err := floatsAt(mem, meanPtr, n)
	if err != nil {
		return err
	}
	variance, err := floatsAt(mem, varPtr, n)
	if err != nil {
		return err
	}
	a, err := floatsAt(mem, aPtr, n)
	if err != nil {
		return err
	}
	b, err := floatsAt(mem, bPtr, n)
	if err != nil {
		return err
	}

	for i := int64(0); i < n; i++ {
		va := a[i] * scaleA
		vb := b[i] * scaleB
		mean[i] = (va + vb) * 0.5
		d := va - vb
		variance[i] = d * d * 0.5
	}

	return nil
}

// Divide accumulated shadow contributions by their accumulated sample counts.
func filterDivideShadow(g Grid, mem Memory, args []interface{}) error {
	outPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	shadowPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	samplesPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	count, err := argI32(args, 3)
	if err != nil {
		return err
	}

	n := int64(count)
	out, err := floatsAt(mem, outPtr, n)
	if err != nil {
		return err
	}
	shadow, err := floatsAt(mem, shadowPtr, n)
	if err != nil {
		return err
	}
	samples, err := floatsAt(mem, samplesPtr, n)
	if err != nil {
		return err
	}

	for i := int64(0); i < n; i++ {
		if samples[i] > 0 {
			out[i] = shadow[i] / samples[i]
		} else {
			out[i] = 0
		}
	}

	return nil
}

// Extract one pass component from the frame accumulator into a tile-local
// feature plane.
func filterGetFeature(g Grid, mem Memory, args []interface{}) error {
	outPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	bufPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	pass, err := argI32(args, 2)
	if err != nil {
		return err
	}
	passStride, err := argI32(args, 3)
	if err != nil {
		return err
	}
	offset, err := argI32(args, 4)
	if err != nil {
		return err
	}
	stride, err := argI32(args, 5)
	if err != nil {
		return err
	}
	x, err := argI32(args, 6)
	if err != nil {
		return err
	}
	y, err := argI32(args, 7)
	if err != nil {
		return err
	}
	w, err := argI32(args, 8)
	if err != nil {
		return err
	}
	h, err := argI32(args, 9)
	if err != nil {
		return err
	}

	out, err := floatsAt(mem, outPtr, int64(w)*int64(h))
	if err != nil {
		return err
	}
	lastPixel := int64(offset) + int64(y+h-1)*int64(stride) + int64(x+w-1)
	buf, err := floatsAt(mem, bufPtr, (lastPixel+1)*int64(passStride))
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			pixel := int64(offset) + int64(y+py)*int64(stride) + int64(x+px)
			out[int64(py)*int64(w)+int64(px)] = buf[pixel*int64(passStride)+int64(pass)]
		}
	}

	return nil
}

// Flag pixels whose deviation from the local 3x3 neighborhood exceeds the
// threshold in standard deviations and replace them with the local mean.
func filterDetectOutliers(g Grid, mem Memory, args []interface{}) error {
	inPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	outPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	w, err := argI32(args, 2)
	if err != nil {
		return err
	}
	h, err := argI32(args, 3)
	if err != nil {
		return err
	}
	threshold, err := argF32(args, 4)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	in, err := floatsAt(mem, inPtr, n)
	if err != nil {
		return err
	}
	out, err := floatsAt(mem, outPtr, n)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			var sum, sumSq float64
			var taps int
			for dy := int32(-1); dy <= 1; dy++ {
				for dx := int32(-1); dx <= 1; dx++ {
					qx := clampi(px+dx, 0, w-1)
					qy := clampi(py+dy, 0, h-1)
					v := float64(in[int64(qy)*int64(w)+int64(qx)])
					sum += v
					sumSq += v * v
					taps++
				}
			}

			mean := sum / float64(taps)
			sigma := math.Sqrt(math.Max(0, sumSq/float64(taps)-mean*mean))

			index := int64(py)*int64(w) + int64(px)
			v := float64(in[index])
			if sigma > 0 && math.Abs(v-mean) > float64(threshold)*sigma {
				out[index] = float32(mean)
			} else {
				out[index] = float32(v)
			}
		}
	}

	return nil
}

// Squared difference between an image and its shifted copy, the first step
// of one non-local-means neighborhood offset.
func filterNLMCalcDifference(g Grid, mem Memory, args []interface{}) error {
	diffPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	aPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	bPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	variancePtr, err := argPtr(args, 3)
	if err != nil {
		return err
	}
	w, err := argI32(args, 4)
	if err != nil {
		return err
	}
	h, err := argI32(args, 5)
	if err != nil {
		return err
	}
	dx, err := argI32(args, 6)
	if err != nil {
		return err
	}
	dy, err := argI32(args, 7)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	diff, err := floatsAt(mem, diffPtr, n)
	if err != nil {
		return err
	}
	a, err := floatsAt(mem, aPtr, n)
	if err != nil {
		return err
	}
	b, err := floatsAt(mem, bPtr, n)
	if err != nil {
		return err
	}
	variance, err := floatsAt(mem, variancePtr, n)
	if err != nil {
		return err
	}

	// The per-pixel variance estimate discounts differences that are
	// expected from sampling noise alone.
	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			index := int64(py)*int64(w) + int64(px)
			neighbor := int64(clampi(py+dy, 0, h-1))*int64(w) + int64(clampi(px+dx, 0, w-1))
			d := a[index] - b[neighbor]
			v := d*d - (variance[index] + variance[neighbor])
			if v < 0 {
				v = 0
			}
			diff[index] = v
		}
	}

	return nil
}

// One direction of the separable box blur applied to the difference image.
func filterNLMBlur(g Grid, mem Memory, args []interface{}) error {
	inPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	outPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	w, err := argI32(args, 2)
	if err != nil {
		return err
	}
	h, err := argI32(args, 3)
	if err != nil {
		return err
	}
	radius, err := argI32(args, 4)
	if err != nil {
		return err
	}
	dir, err := argI32(args, 5)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	in, err := floatsAt(mem, inPtr, n)
	if err != nil {
		return err
	}
	out, err := floatsAt(mem, outPtr, n)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			var sum float64
			var taps int
			for t := -radius; t <= radius; t++ {
				qx, qy := px, py
				if dir == 0 {
					qx = clampi(px+t, 0, w-1)
				} else {
					qy = clampi(py+t, 0, h-1)
				}
				sum += float64(in[int64(qy)*int64(w)+int64(qx)])
				taps++
			}
			out[int64(py)*int64(w)+int64(px)] = float32(sum / float64(taps))
		}
	}

	return nil
}

// Derive a filter weight from the blurred difference image.
func filterNLMCalcWeight(g Grid, mem Memory, args []interface{}) error {
	inPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	outPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	w, err := argI32(args, 2)
	if err != nil {
		return err
	}
	h, err := argI32(args, 3)
	if err != nil {
		return err
	}
	strength, err := argF32(args, 4)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	in, err := floatsAt(mem, inPtr, n)
	if err != nil {
		return err
	}
	out, err := floatsAt(mem, outPtr, n)
	if err != nil {
		return err
	}

	for i := int64(0); i < n; i++ {
		d := in[i]
		if d < 0 {
			d = 0
		}
		out[i] = float32(math.Exp(float64(-d * strength)))
	}

	return nil
}

// Accumulate the weighted shifted guide image plus the total filter weight.
func filterNLMUpdateOutput(g Grid, mem Memory, args []interface{}) error {
	weightPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	guidePtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	accumPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	totalPtr, err := argPtr(args, 3)
	if err != nil {
		return err
	}
	w, err := argI32(args, 4)
	if err != nil {
		return err
	}
	h, err := argI32(args, 5)
	if err != nil {
		return err
	}
	dx, err := argI32(args, 6)
	if err != nil {
		return err
	}
	dy, err := argI32(args, 7)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	weight, err := floatsAt(mem, weightPtr, n)
	if err != nil {
		return err
	}
	guide, err := floatsAt(mem, guidePtr, n)
	if err != nil {
		return err
	}
	accum, err := floatsAt(mem, accumPtr, n)
	if err != nil {
		return err
	}
	total, err := floatsAt(mem, totalPtr, n)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			qx := clampi(px+dx, 0, w-1)
			qy := clampi(py+dy, 0, h-1)
			index := int64(py)*int64(w) + int64(px)
			accum[index] += weight[index] * guide[int64(qy)*int64(w)+int64(qx)]
			total[index] += weight[index]
		}
	}

	return nil
}

// Normalize the accumulated weighted sum by the accumulated weight.
func filterNLMNormalize(g Grid, mem Memory, args []interface{}) error {
	accumPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	totalPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	outPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	count, err := argI32(args, 3)
	if err != nil {
		return err
	}

	n := int64(count)
	accum, err := floatsAt(mem, accumPtr, n)
	if err != nil {
		return err
	}
	total, err := floatsAt(mem, totalPtr, n)
	if err != nil {
		return err
	}
	out, err := floatsAt(mem, outPtr, n)
	if err != nil {
		return err
	}

	for i := int64(0); i < n; i++ {
		if total[i] > 0 {
			out[i] = accum[i] / total[i]
		} else {
			out[i] = accum[i]
		}
	}

	return nil
}

// Build the per-pixel regression basis from the feature planes. The basis is
// truncated by the PCA threshold; the surviving rank is stored per pixel.
func filterConstructTransform(g Grid, mem Memory, args []interface{}) error {
	featurePtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	shadowPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	transformPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	rankPtr, err := argPtr(args, 3)
	if err != nil {
		return err
	}
	w, err := argI32(args, 4)
	if err != nil {
		return err
	}
	h, err := argI32(args, 5)
	if err != nil {
		return err
	}
	threshold, err := argF32(args, 6)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	feature, err := floatsAt(mem, featurePtr, n)
	if err != nil {
		return err
	}
	shadow, err := floatsAt(mem, shadowPtr, n)
	if err != nil {
		return err
	}
	transform, err := floatsAt(mem, transformPtr, n)
	if err != nil {
		return err
	}
	rank, err := floatsAt(mem, rankPtr, n)
	if err != nil {
		return err
	}

	// The leading basis vector is the constant regressor; the feature axes
	// only survive where the combined local variation of the guide and
	// shadow features clears the threshold.
	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			var sum, sumSq, shSum, shSumSq float64
			var taps int
			for dy := int32(-1); dy <= 1; dy++ {
				for dx := int32(-1); dx <= 1; dx++ {
					qx := clampi(px+dx, 0, w-1)
					qy := clampi(py+dy, 0, h-1)
					v := float64(feature[int64(qy)*int64(w)+int64(qx)])
					sum += v
					sumSq += v * v
					sh := float64(shadow[int64(qy)*int64(w)+int64(qx)])
					shSum += sh
					shSumSq += sh * sh
					taps++
				}
			}
			mean := sum / float64(taps)
			shMean := shSum / float64(taps)
			variance := math.Max(0, sumSq/float64(taps)-mean*mean) +
				math.Max(0, shSumSq/float64(taps)-shMean*shMean)

			index := int64(py)*int64(w) + int64(px)
			if variance > float64(threshold) {
				rank[index] = 2
				transform[index] = float32(1.0 / math.Sqrt(variance))
			} else {
				rank[index] = 1
				transform[index] = 0
			}
		}
	}

	return nil
}

// Accumulate the weighted least squares system for one neighborhood offset:
// XtWX gathers the total weight, XtWY the weighted color.
func filterNLMConstructGramian(g Grid, mem Memory, args []interface{}) error {
	weightPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	colorPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	transformPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	rankPtr, err := argPtr(args, 3)
	if err != nil {
		return err
	}
	xtwxPtr, err := argPtr(args, 4)
	if err != nil {
		return err
	}
	xtwyPtr, err := argPtr(args, 5)
	if err != nil {
		return err
	}
	w, err := argI32(args, 6)
	if err != nil {
		return err
	}
	h, err := argI32(args, 7)
	if err != nil {
		return err
	}
	dx, err := argI32(args, 8)
	if err != nil {
		return err
	}
	dy, err := argI32(args, 9)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	weight, err := floatsAt(mem, weightPtr, n)
	if err != nil {
		return err
	}
	color, err := floatsAt(mem, colorPtr, n*3)
	if err != nil {
		return err
	}
	transform, err := floatsAt(mem, transformPtr, n)
	if err != nil {
		return err
	}
	rank, err := floatsAt(mem, rankPtr, n)
	if err != nil {
		return err
	}
	xtwx, err := floatsAt(mem, xtwxPtr, n)
	if err != nil {
		return err
	}
	xtwy, err := floatsAt(mem, xtwyPtr, n*3)
	if err != nil {
		return err
	}

	// Color and xtwy are planar: three planes of n values each.
	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			qx := clampi(px+dx, 0, w-1)
			qy := clampi(py+dy, 0, h-1)
			index := int64(py)*int64(w) + int64(px)
			neighbor := int64(qy)*int64(w) + int64(qx)

			wgt := weight[index]
			if rank[index] > 1 {
				wgt *= transform[index]
			}

			xtwx[index] += wgt
			for c := int64(0); c < 3; c++ {
				xtwy[c*n+index] += wgt * color[c*n+neighbor]
			}
		}
	}

	return nil
}

// Solve the accumulated per-pixel regression and write the denoised color
// back into the combined pass of the render buffer. Pixels that gathered no
// weight keep their noisy value.
func filterFinalize(g Grid, mem Memory, args []interface{}) error {
	bufPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	xtwxPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	xtwyPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	offset, err := argI32(args, 3)
	if err != nil {
		return err
	}
	stride, err := argI32(args, 4)
	if err != nil {
		return err
	}
	x, err := argI32(args, 5)
	if err != nil {
		return err
	}
	y, err := argI32(args, 6)
	if err != nil {
		return err
	}
	w, err := argI32(args, 7)
	if err != nil {
		return err
	}
	h, err := argI32(args, 8)
	if err != nil {
		return err
	}

	n := int64(w) * int64(h)
	xtwx, err := floatsAt(mem, xtwxPtr, n)
	if err != nil {
		return err
	}
	xtwy, err := floatsAt(mem, xtwyPtr, n*3)
	if err != nil {
		return err
	}

	lastPixel := int64(offset) + (int64(y)+int64(h)-1)*int64(stride) + int64(x) + int64(w) - 1
	buf, err := floatsAt(mem, bufPtr, (lastPixel+1)*device.PassStride)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			index := int64(py)*int64(w) + int64(px)
			if xtwx[index] <= 0 {
				continue
			}
			pixel := int64(offset) + (int64(y)+int64(py))*int64(stride) + int64(x) + int64(px)
			base := pixel * device.PassStride
			for c := int64(0); c < 3; c++ {
				buf[base+device.PassCombined+c] = xtwy[c*n+index] / xtwx[index]
			}
		}
	}

	return nil
}
