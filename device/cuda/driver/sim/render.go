package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/borealis/device"
)

// Byte size of the work tile descriptor uploaded before each path trace
// launch: eight int32 fields followed by the accumulator device pointer.
const workTileSize = 40

// Decoded work tile descriptor.
type workTile struct {
	x, y, w, h     int32
	offset, stride int32
	sampleStart    int32
	numSamples     int32
	buffer         uint64
}

func decodeWorkTile(data []byte) (workTile, error) {
	if len(data) < workTileSize {
		return workTile{}, fmt.Errorf("sim: work tile descriptor truncated at %d bytes", len(data))
	}

	return workTile{
		x:           int32(binary.LittleEndian.Uint32(data[0:])),
		y:           int32(binary.LittleEndian.Uint32(data[4:])),
		w:           int32(binary.LittleEndian.Uint32(data[8:])),
		h:           int32(binary.LittleEndian.Uint32(data[12:])),
		offset:      int32(binary.LittleEndian.Uint32(data[16:])),
		stride:      int32(binary.LittleEndian.Uint32(data[20:])),
		sampleStart: int32(binary.LittleEndian.Uint32(data[24:])),
		numSamples:  int32(binary.LittleEndian.Uint32(data[28:])),
		buffer:      binary.LittleEndian.Uint64(data[32:]),
	}, nil
}

// Accumulate samples for every pixel of the work tile. The radiance model is
// a fixed gradient so the output is deterministic: repeated launches with the
// same sample range always produce the same accumulator contents, and the
// megakernel and split pipelines can be checked against each other.
func accumulateTile(mem Memory, wt workTile) error {
	if wt.w <= 0 || wt.h <= 0 || wt.numSamples <= 0 {
		return nil
	}

	lastPixel := int64(wt.offset) + int64(wt.y+wt.h-1)*int64(wt.stride) + int64(wt.x+wt.w-1)
	buf, err := floatsAt(mem, wt.buffer, (lastPixel+1)*device.PassStride)
	if err != nil {
		return err
	}

	invStride := 1.0 / float32(wt.stride)
	for py := int32(0); py < wt.h; py++ {
		for px := int32(0); px < wt.w; px++ {
			pixel := int64(wt.offset) + int64(wt.y+py)*int64(wt.stride) + int64(wt.x+px)
			base := pixel * device.PassStride

			r := float32(wt.x+px) * invStride
			gr := float32(wt.y+py) * invStride
			b := float32(0.5)

			for s := int32(0); s < wt.numSamples; s++ {
				buf[base+device.PassCombined+0] += r
				buf[base+device.PassCombined+1] += gr
				buf[base+device.PassCombined+2] += b
				buf[base+device.PassCombined+3] += 1.0

				half := int64(device.PassHalfA)
				if (wt.sampleStart+s)&1 == 1 {
					half = device.PassHalfB
				}
				buf[base+half+0] += r
				buf[base+half+1] += gr
				buf[base+half+2] += b

				buf[base+device.PassShadow] += 0.25
				buf[base+device.PassShadowCount] += 1.0
			}
		}
	}

	return nil
}

func pathTrace(g Grid, mem Memory, args []interface{}) error {
	wtPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}

	wtData, err := mem.Bytes(wtPtr, workTileSize)
	if err != nil {
		return err
	}
	wt, err := decodeWorkTile(wtData)
	if err != nil {
		return err
	}
	return accumulateTile(mem, wt)
}

// Convert the combined pass to byte RGBA scaled by the sample scale.
func convertToByte(g Grid, mem Memory, args []interface{}) error {
	srcPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	dstPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	scale, err := argF32(args, 2)
	if err != nil {
		return err
	}
	w, err := argI32(args, 3)
	if err != nil {
		return err
	}
	h, err := argI32(args, 4)
	if err != nil {
		return err
	}
	offset, err := argI32(args, 5)
	if err != nil {
		return err
	}
	stride, err := argI32(args, 6)
	if err != nil {
		return err
	}

	lastPixel := int64(offset) + int64(h-1)*int64(stride) + int64(w-1)
	src, err := floatsAt(mem, srcPtr, (lastPixel+1)*device.PassStride)
	if err != nil {
		return err
	}
	dst, err := mem.Bytes(dstPtr, int64(w)*int64(h)*4)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			base := (int64(offset) + int64(py)*int64(stride) + int64(px)) * device.PassStride
			out := (int64(py)*int64(w) + int64(px)) * 4
			for c := int64(0); c < 3; c++ {
				v := src[base+device.PassCombined+c] * scale
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				dst[out+c] = byte(v*255.0 + 0.5)
			}
			dst[out+3] = 255
		}
	}

	return nil
}

// Convert the combined pass to half float RGBA scaled by the sample scale.
func convertToHalf(g Grid, mem Memory, args []interface{}) error {
	srcPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	dstPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	scale, err := argF32(args, 2)
	if err != nil {
		return err
	}
	w, err := argI32(args, 3)
	if err != nil {
		return err
	}
	h, err := argI32(args, 4)
	if err != nil {
		return err
	}
	offset, err := argI32(args, 5)
	if err != nil {
		return err
	}
	stride, err := argI32(args, 6)
	if err != nil {
		return err
	}

	lastPixel := int64(offset) + int64(h-1)*int64(stride) + int64(w-1)
	src, err := floatsAt(mem, srcPtr, (lastPixel+1)*device.PassStride)
	if err != nil {
		return err
	}
	dstBytes, err := mem.Bytes(dstPtr, int64(w)*int64(h)*8)
	if err != nil {
		return err
	}

	for py := int32(0); py < h; py++ {
		for px := int32(0); px < w; px++ {
			base := (int64(offset) + int64(py)*int64(stride) + int64(px)) * device.PassStride
			out := (int64(py)*int64(w) + int64(px)) * 8
			for c := int64(0); c < 3; c++ {
				half := floatToHalf(src[base+device.PassCombined+c] * scale)
				binary.LittleEndian.PutUint16(dstBytes[out+c*2:], half)
			}
			binary.LittleEndian.PutUint16(dstBytes[out+6:], floatToHalf(1.0))
		}
	}

	return nil
}

// Evaluate the shader over one chunk of input elements.
func shaderEval(g Grid, mem Memory, args []interface{}) error {
	inPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	outPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}
	offset, err := argI32(args, 2)
	if err != nil {
		return err
	}
	count, err := argI32(args, 3)
	if err != nil {
		return err
	}

	end := int64(offset) + int64(count)
	in, err := floatsAt(mem, inPtr, end)
	if err != nil {
		return err
	}
	out, err := floatsAt(mem, outPtr, end)
	if err != nil {
		return err
	}

	for i := int64(offset); i < end; i++ {
		out[i] = in[i] * 2.0
	}

	return nil
}

// Per-thread state bytes required by the split kernel, reported by the
// device itself so the host never hardcodes the layout.
const splitStateBytes = 64

func stateBufferSize(g Grid, mem Memory, args []interface{}) error {
	outPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}

	out, err := mem.Bytes(outPtr, 4)
	if err != nil {
		return err
	}
	uintView(out)[0] = splitStateBytes
	return nil
}

// Initialize split kernel queue state: clear the per-thread state arena and
// publish the number of work items still active.
func splitDataInit(g Grid, mem Memory, args []interface{}) error {
	statePtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	stateSize, err := argI32(args, 1)
	if err != nil {
		return err
	}
	counterPtr, err := argPtr(args, 2)
	if err != nil {
		return err
	}
	totalWork, err := argI32(args, 3)
	if err != nil {
		return err
	}

	state, err := mem.Bytes(statePtr, int64(stateSize))
	if err != nil {
		return err
	}
	for i := range state {
		state[i] = 0
	}

	counter, err := mem.Bytes(counterPtr, 4)
	if err != nil {
		return err
	}
	uintView(counter)[0] = uint32(totalWork)
	return nil
}

// Intermediate split stages advance per-thread state in place.
func splitAdvance(g Grid, mem Memory, args []interface{}) error {
	if _, err := argPtr(args, 0); err != nil {
		return err
	}
	if _, err := argPtr(args, 1); err != nil {
		return err
	}
	return nil
}

// The final split stage writes finished path segments back to the frame
// accumulator and retires their work items. The software pipeline completes
// every path in a single round, so the output matches the megakernel and the
// work counter drops straight to zero.
func splitBufferUpdate(g Grid, mem Memory, args []interface{}) error {
	wtPtr, err := argPtr(args, 0)
	if err != nil {
		return err
	}
	counterPtr, err := argPtr(args, 1)
	if err != nil {
		return err
	}

	wtData, err := mem.Bytes(wtPtr, workTileSize)
	if err != nil {
		return err
	}
	wt, err := decodeWorkTile(wtData)
	if err != nil {
		return err
	}
	if err = accumulateTile(mem, wt); err != nil {
		return err
	}

	counter, err := mem.Bytes(counterPtr, 4)
	if err != nil {
		return err
	}
	uintView(counter)[0] = 0
	return nil
}
