package device

// Pass layout within the frame accumulator, in float32 components per pixel.
// The combined pass accumulates radiance in RGB and the sample count in
// alpha. The two half buffers accumulate even and odd samples separately so
// the denoiser can derive per-pixel variance, and the shadow pass pairs the
// accumulated shadow contribution with its own sample count.
const (
	PassCombined     = 0
	PassHalfA        = 4
	PassHalfB        = 7
	PassShadow       = 10
	PassShadowCount  = 11
	PassStride       = 12
)
