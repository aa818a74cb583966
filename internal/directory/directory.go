// Package directory enumerates compute platforms and devices and opens the
// one the user selected by index.
package directory

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/compute"
	"clgol/internal/diag"
	"clgol/internal/logging"
)

// Enumeration bounds. Platforms and devices past these indices are never
// reported or selectable.
const (
	MaxPlatforms = 10
	MaxDevices   = 10
)

// Directory selects devices from a backend.
type Directory struct {
	backend compute.Backend
	log     *zap.Logger
}

func New(backend compute.Backend, log *zap.Logger) *Directory {
	return &Directory{backend: backend, log: logging.OrNop(log)}
}

// Entry is one enumerated platform/device pair.
type Entry struct {
	Platform compute.PlatformInfo
	Device   compute.DeviceInfo
}

// Select opens device deviceIndex of platform platformIndex and logs its
// capability report. Every failure is logged and returned wrapping
// diag.ErrDeviceUnavailable; the returned device is nil in that case.
func (d *Directory) Select(platformIndex, deviceIndex int) (compute.Device, error) {
	platforms, err := d.backend.Platforms(MaxPlatforms)
	if err != nil {
		return nil, d.unavailable("enumerating platforms", err)
	}
	if platformIndex < 0 || platformIndex >= len(platforms) {
		return nil, d.unavailable(fmt.Sprintf("platform index %d out of range, %d available", platformIndex, len(platforms)), nil)
	}
	devices, err := d.backend.Devices(platformIndex, MaxDevices)
	if err != nil {
		return nil, d.unavailable(fmt.Sprintf("enumerating devices of platform %d", platformIndex), err)
	}
	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return nil, d.unavailable(fmt.Sprintf("device index %d out of range on platform %d, %d available", deviceIndex, platformIndex, len(devices)), nil)
	}

	report, err := Report(platforms[platformIndex], devices[deviceIndex])
	if err != nil {
		d.log.Warn("rendering capability report", zap.Error(err))
	}
	d.log.Info("selected compute device\n"+report,
		zap.Int("platform", platformIndex),
		zap.Int("device", deviceIndex),
		zap.String("name", devices[deviceIndex].Name),
	)

	dev, err := d.backend.Open(platformIndex, deviceIndex)
	if err != nil {
		return nil, d.unavailable(fmt.Sprintf("opening device %d of platform %d", deviceIndex, platformIndex), err)
	}
	return dev, nil
}

func (d *Directory) unavailable(what string, cause error) error {
	fields := []zap.Field{zap.String("status", diag.Describe(diag.StatusOf(cause)))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
		d.log.Error(what, fields...)
		return xerrors.Errorf("%s: %v: %w", what, cause, diag.ErrDeviceUnavailable)
	}
	d.log.Error(what)
	return xerrors.Errorf("%s: %w", what, diag.ErrDeviceUnavailable)
}

// List returns every platform/device pair within the enumeration bounds.
func (d *Directory) List() ([]Entry, error) {
	platforms, err := d.backend.Platforms(MaxPlatforms)
	if err != nil {
		return nil, xerrors.Errorf("enumerating platforms: %v: %w", err, diag.ErrDeviceUnavailable)
	}
	var entries []Entry
	for _, p := range platforms {
		devices, err := d.backend.Devices(p.Index, MaxDevices)
		if err != nil {
			d.log.Warn("enumerating devices", zap.Int("platform", p.Index), zap.Error(err))
			continue
		}
		for _, dev := range devices {
			entries = append(entries, Entry{Platform: p, Device: dev})
		}
	}
	return entries, nil
}

// Report renders the capability report of one platform/device pair.
func Report(p compute.PlatformInfo, dev compute.DeviceInfo) (string, error) {
	rows := [][]string{
		{"Platform profile", p.Profile},
		{"Platform version", p.Version},
		{"Platform name", p.Name},
		{"Platform vendor", p.Vendor},
		{"Platform extensions", p.Extensions},
		{"Device name", dev.Name},
		{"Device vendor", dev.Vendor},
		{"Device version", dev.Version},
		{"Driver version", dev.DriverVersion},
		{"Device type", dev.Type.String()},
		{"Max compute units", fmt.Sprint(dev.ComputeUnits)},
		{"Max work group size", fmt.Sprint(dev.MaxWorkGroupSize)},
		{"Max work item dimensions", fmt.Sprint(dev.MaxWorkItemDimensions)},
		{"Max work item sizes", joinInts(dev.MaxWorkItemSizes)},
		{"Max clock frequency (MHz)", fmt.Sprint(dev.MaxClockFrequency)},
	}
	return render(rows)
}

// Table renders entries as one row per device.
func Table(entries []Entry) (string, error) {
	rows := [][]string{{"Platform", "Device", "Platform name", "Device name", "Type", "Compute units"}}
	for _, e := range entries {
		rows = append(rows, []string{
			fmt.Sprint(e.Platform.Index),
			fmt.Sprint(e.Device.Index),
			e.Platform.Name,
			e.Device.Name,
			e.Device.Type.String(),
			fmt.Sprint(e.Device.ComputeUnits),
		})
	}
	return render(rows)
}

func render(rows [][]string) (string, error) {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return "", xerrors.Errorf("appending row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return "", xerrors.Errorf("rendering table: %w", err)
	}
	return sb.String(), nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, " x ")
}
