package main

import (
	"os"

	"github.com/achilleasa/borealis/cmd"
	"github.com/urfave/cli"
)

// Flags shared by the commands that attach to devices.
var deviceFlags = []cli.Flag{
	cli.StringSliceFlag{
		Name:  "blacklist, b",
		Value: &cli.StringSlice{},
		Usage: "skip cuda devices whose names contain this value",
	},
	cli.StringFlag{
		Name:  "kernel-cache",
		Usage: "override the compiled kernel cache location",
	},
}

// Flags shared by the bench and render commands.
var renderFlags = append([]cli.Flag{
	cli.IntFlag{
		Name:  "width",
		Value: 512,
		Usage: "frame width",
	},
	cli.IntFlag{
		Name:  "height",
		Value: 512,
		Usage: "frame height",
	},
	cli.IntFlag{
		Name:  "spp",
		Value: 16,
		Usage: "samples per pixel",
	},
	cli.IntFlag{
		Name:  "tile-size",
		Value: 64,
		Usage: "edge length of the tiles handed out to devices",
	},
	cli.IntFlag{
		Name:  "sample-boost",
		Usage: "sample batch multiplier for non-display devices",
	},
	cli.IntFlag{
		Name:  "max-closures",
		Usage: "largest number of shader closures the kernels must support",
	},
	cli.BoolFlag{
		Name:  "adaptive-compile",
		Usage: "compile kernels per scene instead of using shipped binaries",
	},
	cli.BoolFlag{
		Name:  "split",
		Usage: "use the split kernel execution path",
	},
	cli.BoolFlag{
		Name:  "denoise",
		Usage: "denoise the frame after it accumulates",
	},
	cli.IntFlag{
		Name:  "denoise-radius",
		Usage: "half size of the denoise neighborhood window",
	},
	cli.BoolFlag{
		Name:  "denoise-outliers",
		Usage: "replace fireflies before denoising",
	},
}, deviceFlags...)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "borealis"
	app.Usage = "render frames using gpu path tracing"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list-devices",
			Usage:  "list available cuda devices",
			Action: cmd.ListDevices,
		},
		{
			Name:  "compile-kernels",
			Usage: "pre-populate the compiled kernel cache",
			Description: `
Resolve and compile the kernel modules for every attached device so that
later render invocations start without waiting on the toolchain. The cache
is content addressed and safe to delete at any time.`,
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "max-closures",
					Usage: "largest number of shader closures the kernels must support",
				},
				cli.BoolFlag{
					Name:  "split",
					Usage: "also compile the split kernel module",
				},
			}, deviceFlags...),
			Action: cmd.CompileKernels,
		},
		{
			Name:        "bench",
			Usage:       "render frames offline and report per-device statistics",
			Description: `Render one or more frames without a display and print scheduling and memory statistics for every attached device.`,
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "frames",
					Value: 1,
					Usage: "number of frames to render",
				},
			}, renderFlags...),
			Action: cmd.Bench,
		},
		{
			Name:        "render",
			Usage:       "render an interactive view of the converging frame",
			Description: `Open a window displaying the frame as samples accumulate. Esc closes the window, R restarts accumulation, D toggles denoising and Tab toggles the progress overlay.`,
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "samples-per-pass",
					Value: 1,
					Usage: "samples accumulated between display updates",
				},
			}, renderFlags...),
			Action: cmd.RenderInteractive,
		},
	}

	app.Run(os.Args)
}
