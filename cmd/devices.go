package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

var errNoDevices = errors.New("no usable cuda devices detected")

// List available cuda devices.
func ListDevices(ctx *cli.Context) error {
	setupLogging(ctx)

	infos, err := cuda.Devices()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Device", "Compute", "SMs", "Memory", "Bindless", "Display", "Supported"})
	for _, inf := range infos {
		table.Append([]string{
			fmt.Sprintf("%d", inf.Ordinal),
			inf.Name,
			fmt.Sprintf("%d.%d", inf.Major, inf.Minor),
			fmt.Sprintf("%d", inf.MultiProcessors),
			device.FormatBytes(inf.TotalMem),
			fmt.Sprintf("%t", inf.Bindless),
			fmt.Sprintf("%t", inf.Display),
			fmt.Sprintf("%t", inf.Supported),
		})
	}
	table.Render()

	logger.Noticef("detected %d cuda device(s)\n%s", len(infos), buf.String())
	return nil
}

// attachDevices creates a device instance for every supported cuda device
// that survives the blacklist filters.
func attachDevices(ctx *cli.Context) ([]device.Device, error) {
	infos, err := cuda.Devices()
	if err != nil {
		return nil, err
	}

	blacklist := ctx.StringSlice("blacklist")

	var devices []device.Device
	for _, inf := range infos {
		if !inf.Supported {
			logger.Warningf("skipping unsupported device %q", inf.Name)
			continue
		}
		if blacklisted(inf.Name, blacklist) {
			logger.Infof("skipping blacklisted device %q", inf.Name)
			continue
		}

		dev, err := cuda.NewDevice(cuda.Config{
			Ordinal:     inf.Ordinal,
			SampleBoost: ctx.Int("sample-boost"),
			CacheDir:    ctx.String("kernel-cache"),
		})
		if err != nil {
			logger.Warningf("skipping device %q: %v", inf.Name, err)
			continue
		}

		logger.Noticef("attached device %s", inf)
		devices = append(devices, dev)
	}

	if len(devices) == 0 {
		return nil, errNoDevices
	}
	return devices, nil
}

func blacklisted(name string, blacklist []string) bool {
	for _, entry := range blacklist {
		if entry != "" && strings.Contains(name, entry) {
			return true
		}
	}
	return false
}
