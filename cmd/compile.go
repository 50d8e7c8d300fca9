package cmd

import (
	"github.com/achilleasa/borealis/device"
	"github.com/urfave/cli"
)

// Pre-populate the compiled kernel cache for every attached device so later
// renders skip the toolchain invocation.
func CompileKernels(ctx *cli.Context) error {
	setupLogging(ctx)

	devices, err := attachDevices(ctx)
	if err != nil {
		return err
	}

	features := device.DefaultFeatures()
	if v := ctx.Int("max-closures"); v > 0 {
		features.MaxClosures = v
	}
	features.AdaptiveCompile = true
	features.UseSplitKernel = ctx.Bool("split")

	var firstErr error
	for _, dev := range devices {
		logger.Noticef("compiling kernels for device %q", dev.Name())
		if err := dev.LoadKernels(features); err != nil {
			logger.Errorf("failed to compile kernels for device %q: %v", dev.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
		dev.Close()
	}
	return firstErr
}
