package device

// The feature set requested from the kernel source collaborator. Used to
// assemble compiler flags and to select the execution path.
type RequestedFeatures struct {
	// Largest number of shader closures a kernel invocation must support.
	MaxClosures int

	// Compile kernels per scene with only the requested features enabled
	// instead of using vendor-shipped binaries.
	AdaptiveCompile bool

	// Run the path trace kernel as a sequence of smaller kernels
	// communicating through explicit queue state.
	UseSplitKernel bool
}

// The feature set used when the caller does not supply one.
func DefaultFeatures() RequestedFeatures {
	return RequestedFeatures{
		MaxClosures: 64,
	}
}
