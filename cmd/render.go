package cmd

import (
	"runtime"

	"github.com/achilleasa/borealis/renderer"
	"github.com/urfave/cli"
)

// Render an interactive, progressively converging view of the frame.
func RenderInteractive(ctx *cli.Context) error {
	setupLogging(ctx)

	// The opengl context and its window event loop are only valid on the
	// main OS thread.
	runtime.LockOSThread()

	devices, err := attachDevices(ctx)
	if err != nil {
		return err
	}

	r, err := renderer.NewInteractive(devices, renderOptions(ctx))
	if err != nil {
		for _, dev := range devices {
			dev.Close()
		}
		return err
	}
	defer r.Close()

	if err = r.Render(); err != nil {
		return err
	}

	displayFrameStats(r.Stats())
	return nil
}
