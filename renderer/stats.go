package renderer

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

type DeviceStat struct {
	// The device name.
	Name string

	// True if this is the primary device: the one that merges the frame,
	// runs the denoise pass and converts pixels for display.
	IsPrimary bool

	// Tiles rendered during the last frame.
	Tiles int

	// Wall clock time the device spent on its tiles.
	RenderTime time.Duration

	// Device memory usage summary.
	Memory string
}

type FrameStats struct {
	// Individual device stats.
	Devices []DeviceStat

	// Samples accumulated per pixel.
	Samples uint32

	// Total render time for the entire frame.
	RenderTime time.Duration
}

// WriteTable renders the frame stats as a table.
func (s FrameStats) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Primary", "Tiles", "Memory", "Render time"})
	for _, stat := range s.Devices {
		table.Append([]string{
			stat.Name,
			fmt.Sprintf("%t", stat.IsPrimary),
			fmt.Sprintf("%d", stat.Tiles),
			stat.Memory,
			stat.RenderTime.String(),
		})
	}
	table.SetFooter([]string{"", "", "", "TOTAL", s.RenderTime.String()})
	table.Render()
}
