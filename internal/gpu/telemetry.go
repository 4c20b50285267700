package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Device memory state of one GPU, in MB
type Device struct {
	Index int
	Used  int
	Total int
}

// Free memory not in use
func (d Device) Free() int {
	if f := d.Total - d.Used; f > 0 {
		return f
	}
	return 0
}

// Snapshot per-device state at one instant plus aggregates
type Snapshot struct {
	Devices []Device
}

// Total installed memory across devices
func (s Snapshot) Total() int {
	n := 0
	for _, d := range s.Devices {
		n += d.Total
	}
	return n
}

// Used memory across devices
func (s Snapshot) Used() int {
	n := 0
	for _, d := range s.Devices {
		n += d.Used
	}
	return n
}

// Free memory across devices
func (s Snapshot) Free() int {
	n := 0
	for _, d := range s.Devices {
		n += d.Free()
	}
	return n
}

// LargestDevice total memory of the biggest single device
func (s Snapshot) LargestDevice() int {
	max := 0
	for _, d := range s.Devices {
		if d.Total > max {
			max = d.Total
		}
	}
	return max
}

// Telemetry source of GPU memory readings. Every call must query fresh state.
type Telemetry interface {
	Query(ctx context.Context) ([]Device, error)
}

// NvidiaSMI reads device memory through the nvidia-smi tool
type NvidiaSMI struct {
	// Command binary to run, "nvidia-smi" when empty
	Command string
	Log     logrus.FieldLogger
}

var nvidiaSMIArgs = []string{
	"--query-gpu=index,memory.used,memory.total",
	"--format=csv,noheader,nounits",
}

// Query runs the tool and parses its output. A host without the tool has no
// GPUs; that is reported as an empty device list, not an error.
func (n *NvidiaSMI) Query(ctx context.Context) ([]Device, error) {
	bin := n.Command
	if bin == "" {
		bin = "nvidia-smi"
	}

	path, err := exec.LookPath(bin)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			if n.Log != nil {
				n.Log.WithField("command", bin).Debug("GPU telemetry tool not found, assuming no GPUs")
			}
			return nil, nil
		}
		return nil, errors.Wrapf(err, "locate %s", bin)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, nvidiaSMIArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", bin, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(&stdout)
}

// parseNvidiaSMIOutput reads "index, used, total" rows
func parseNvidiaSMIOutput(r io.Reader) ([]Device, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = 3

	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parse nvidia-smi output")
	}

	devices := make([]Device, 0, len(records))
	for _, rec := range records {
		var d Device
		vals := []*int{&d.Index, &d.Used, &d.Total}
		for i, field := range rec {
			v, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, errors.Wrapf(err, "parse nvidia-smi field %q", field)
			}
			*vals[i] = v
		}
		devices = append(devices, d)
	}
	return devices, nil
}
