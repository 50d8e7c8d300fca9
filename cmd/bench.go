package cmd

import (
	"bytes"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/renderer"
	"github.com/urfave/cli"
)

// Render frames offline and print per-device statistics.
func Bench(ctx *cli.Context) error {
	setupLogging(ctx)

	devices, err := attachDevices(ctx)
	if err != nil {
		return err
	}

	r, err := renderer.NewDefault(devices, renderOptions(ctx))
	if err != nil {
		for _, dev := range devices {
			dev.Close()
		}
		return err
	}
	defer r.Close()

	frames := ctx.Int("frames")
	if frames <= 0 {
		frames = 1
	}

	for frame := 0; frame < frames; frame++ {
		if err = r.Render(); err != nil {
			return err
		}
		displayFrameStats(r.Stats())
	}
	return nil
}

// renderOptions assembles renderer options from the command line flags
// shared by the bench and render commands.
func renderOptions(ctx *cli.Context) renderer.Options {
	features := device.DefaultFeatures()
	if v := ctx.Int("max-closures"); v > 0 {
		features.MaxClosures = v
	}
	features.AdaptiveCompile = ctx.Bool("adaptive-compile")
	features.UseSplitKernel = ctx.Bool("split")

	opts := renderer.Options{
		FrameW:          uint32(ctx.Int("width")),
		FrameH:          uint32(ctx.Int("height")),
		SamplesPerPixel: uint32(ctx.Int("spp")),
		SamplesPerPass:  uint32(ctx.Int("samples-per-pass")),
		TileSize:        uint32(ctx.Int("tile-size")),
		Denoise:         ctx.Bool("denoise"),
		Features:        features,
	}
	if opts.Denoise {
		opts.DenoiseParams = device.DefaultDenoiseParams()
		if v := ctx.Int("denoise-radius"); v > 0 {
			opts.DenoiseParams.Radius = int32(v)
		}
		opts.DenoiseParams.DetectOutliers = ctx.Bool("denoise-outliers")
	}
	return opts
}

func displayFrameStats(stats renderer.FrameStats) {
	var buf bytes.Buffer
	stats.WriteTable(&buf)
	logger.Noticef("frame statistics (%d samples in %s)\n%s", stats.Samples, stats.RenderTime, buf.String())
}
