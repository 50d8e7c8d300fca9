package renderer

import "errors"

var (
	ErrNoDevices        = errors.New("renderer: no usable devices attached")
	ErrInvalidFrameDims = errors.New("renderer: frame dimensions must be non-zero")
)
