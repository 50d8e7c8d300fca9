package renderer

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/types"
	"github.com/go-gl/gl/v2.1/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// Height in pixels of the progress bar overlay.
const progressBarHeight int32 = 4

// Implemented by devices whose pixel regions can be shared with the OpenGL
// context. When interop is live the conversion kernels write straight into
// the pixel buffer object and no host re-upload is needed.
type displayInterop interface {
	DisplayInterop() bool
}

// An interactive opengl-based renderer. Samples are accumulated in small
// passes so the view refreshes while the frame converges.
type interactiveGLRenderer struct {
	*defaultRenderer

	// opengl handles
	window *glfw.Window
	texFbo uint32
	pbo    uint32

	// True while the display pixel buffer is shared with the compute
	// context.
	interop bool

	// state
	resetPending bool
	showUI       bool
	barColor     types.Vec3
	doneColor    types.Vec3
}

// NewInteractive creates a renderer that displays the converging frame in a
// glfw window. Must be called from the main OS thread, which must also be
// the thread calling Render.
func NewInteractive(devices []device.Device, opts Options) (Renderer, error) {
	base, err := NewDefault(devices, opts)
	if err != nil {
		return nil, err
	}

	r := &interactiveGLRenderer{
		defaultRenderer: base.(*defaultRenderer),
		showUI:          true,
		barColor:        types.XYZ(0.25, 0.55, 1.0),
		doneColor:       types.XYZ(0.3, 1.0, 0.4),
	}

	if err = r.initGL(opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *interactiveGLRenderer) initGL(opts Options) error {
	var err error
	if err = glfw.Init(); err != nil {
		return fmt.Errorf("renderer: failed to initialize glfw: %v", err)
	}

	glfw.WindowHint(glfw.Resizable, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 2)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	r.window, err = glfw.CreateWindow(int(opts.FrameW), int(opts.FrameH), "borealis", nil, nil)
	if err != nil {
		return fmt.Errorf("renderer: could not create opengl window: %v", err)
	}
	r.window.MakeContextCurrent()

	if err = gl.Init(); err != nil {
		return fmt.Errorf("renderer: could not init opengl: %v", err)
	}

	// Setup texture for image data
	var fbTexture uint32
	gl.GenTextures(1, &fbTexture)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, fbTexture)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(opts.FrameW), int32(opts.FrameH), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)

	// Attach texture to FBO
	gl.GenFramebuffers(1, &r.texFbo)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, r.texFbo)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, fbTexture, 0)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)

	// Pixel buffer receiving converted frames. The compute device registers
	// it for interop when the hardware supports sharing.
	gl.GenBuffers(1, &r.pbo)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, r.pbo)
	gl.BufferData(gl.PIXEL_UNPACK_BUFFER, int(opts.FrameW)*int(opts.FrameH)*4, nil, gl.STREAM_DRAW)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	r.pixels.GLBuffer = r.pbo

	// Setup ortho projection for the overlay
	gl.Disable(gl.DEPTH_TEST)
	gl.MatrixMode(gl.PROJECTION)
	gl.LoadIdentity()
	gl.Ortho(0, float64(opts.FrameW), float64(opts.FrameH), 0, -1, 1)
	gl.Viewport(0, 0, int32(opts.FrameW), int32(opts.FrameH))
	gl.MatrixMode(gl.MODELVIEW)
	gl.LoadIdentity()

	r.window.SetInputMode(glfw.CursorMode, glfw.CursorNormal)
	r.window.SetKeyCallback(r.onKeyEvent)
	return nil
}

func (r *interactiveGLRenderer) Close() {
	if r.window != nil {
		r.window.SetShouldClose(true)
	}
	r.defaultRenderer.Close()
	if r.window != nil {
		r.window.Destroy()
		r.window = nil
		glfw.Terminate()
	}
}

// Render accumulates samples in passes until the window closes, refreshing
// the view after every pass. With a zero sample budget the frame keeps
// converging for as long as the window stays open.
func (r *interactiveGLRenderer) Render() error {
	if err := r.zeroFrame(); err != nil {
		return err
	}

	budget := r.opts.SamplesPerPixel
	for !r.window.ShouldClose() {
		glfw.PollEvents()

		if r.resetPending {
			r.resetPending = false
			if err := r.zeroFrame(); err != nil {
				return err
			}
		}

		switch {
		case budget == 0 || r.accumulated < budget:
			step := r.opts.SamplesPerPass
			if budget != 0 && r.accumulated+step > budget {
				step = budget - r.accumulated
			}
			if err := r.renderPass(int32(r.accumulated), int32(step)); err != nil {
				return err
			}
		case r.opts.Denoise && !r.denoised:
			if err := r.denoisePass(); err != nil {
				return err
			}
		default:
			// Converged; wait for input instead of spinning.
			glfw.WaitEventsTimeout(0.1)
			continue
		}

		if err := r.convert(); err != nil {
			return err
		}
		r.present()
	}
	return nil
}

// present uploads the converted pixels into the frame texture and blits it
// to the window framebuffer.
func (r *interactiveGLRenderer) present() {
	if !r.interop && r.pixels.Allocated() {
		if p, ok := r.devices[r.primaryIndex()].(displayInterop); ok {
			r.interop = p.DisplayInterop()
		}
	}

	frameW := int32(r.opts.FrameW)
	frameH := int32(r.opts.FrameH)

	if r.interop {
		// The conversion kernel already wrote into the shared pixel
		// buffer; source the texture upload from it.
		gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, r.pbo)
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, frameW, frameH, gl.RGBA, gl.UNSIGNED_BYTE, nil)
		gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, 0)
	} else {
		gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, frameW, frameH, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(r.Pixels()))
	}

	// Copy texture data to framebuffer
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, r.texFbo)
	gl.BlitFramebuffer(0, 0, frameW, frameH, 0, 0, frameW, frameH, gl.COLOR_BUFFER_BIT, gl.LINEAR)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)

	if r.showUI {
		r.renderUI()
	}
	r.window.SwapBuffers()
}

// renderUI draws the sample accumulation progress bar.
func (r *interactiveGLRenderer) renderUI() {
	budget := r.opts.SamplesPerPixel
	if budget == 0 {
		return
	}

	frameW := float32(r.opts.FrameW)
	frameH := float32(r.opts.FrameH)
	barW := frameW * float32(r.accumulated) / float32(budget)

	color := r.barColor
	if r.accumulated >= budget {
		color = r.doneColor
	}

	gl.Color3fv(&color[0])
	gl.Begin(gl.QUADS)
	gl.Vertex2f(0, frameH-float32(progressBarHeight))
	gl.Vertex2f(barW, frameH-float32(progressBarHeight))
	gl.Vertex2f(barW, frameH)
	gl.Vertex2f(0, frameH)
	gl.End()
}

func (r *interactiveGLRenderer) onKeyEvent(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if action != glfw.Press {
		return
	}

	switch key {
	case glfw.KeyEscape:
		r.window.SetShouldClose(true)
	case glfw.KeyR:
		r.resetPending = true
	case glfw.KeyD:
		r.opts.Denoise = !r.opts.Denoise
		if r.opts.Denoise && r.opts.DenoiseParams.Radius == 0 {
			r.opts.DenoiseParams = device.DefaultDenoiseParams()
		}
		r.resetPending = true
	case glfw.KeyTab:
		r.showUI = !r.showUI
	}
}
