package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ChuLiYu/gpuq/internal/gpu"
	"github.com/ChuLiYu/gpuq/pkg/types"
)

const placeholder = "---"

// timeLayout timestamp detail grows with verbosity
func timeLayout(level int) string {
	switch {
	case level < 0:
		return time.RFC3339Nano
	case level <= 1:
		return "01/02-15:04"
	default:
		return "01/02/2006-15:04:05"
	}
}

func formatTime(t time.Time, level int) string {
	if t.IsZero() {
		return placeholder
	}
	return t.Local().Format(timeLayout(level))
}

func formatPID(pid int) string {
	if pid == 0 {
		return placeholder
	}
	return strconv.Itoa(pid)
}

// renderJobs one row per job; columns grow with level. Level 0 is the terse
// id/priority/state view, level < 0 shows every field untruncated.
func renderJobs(w io.Writer, jobs []*types.Job, level int) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)

	full := level < 0 || level >= 2
	header := table.Row{"ID"}
	if level != 0 {
		header = append(header, "User")
	}
	header = append(header, "Priority", "State")
	if level != 0 {
		header = append(header, "GPU MB", "Command")
	}
	header = append(header, "Created")
	if full {
		header = append(header, "PID", "Started", "Finished", "Env", "Working Dir")
	}
	tw.AppendHeader(header)

	for _, j := range jobs {
		row := table.Row{j.ID}
		if level != 0 {
			row = append(row, j.User)
		}
		row = append(row, j.Priority.String(), string(j.State))
		if level != 0 {
			row = append(row, j.GPUMem, types.TruncateCommand(j.Command, level))
		}
		row = append(row, formatTime(j.CTime, level))
		if full {
			row = append(row, formatPID(j.PID), formatTime(j.STime, level), formatTime(j.FTime, level),
				orPlaceholder(j.EnvPath), orPlaceholder(j.WorkingDir))
		}
		tw.AppendRow(row)
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d jobs", len(jobs))})
	tw.Render()
}

func orPlaceholder(s string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// renderGPUs per-device memory plus totals
func renderGPUs(w io.Writer, snap gpu.Snapshot) {
	if len(snap.Devices) == 0 {
		fmt.Fprintln(w, "No GPUs detected")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"GPU", "Used MB", "Total MB", "Free MB"})
	for _, d := range snap.Devices {
		tw.AppendRow(table.Row{d.Index, d.Used, d.Total, d.Free()})
	}
	tw.AppendFooter(table.Row{"all", snap.Used(), snap.Total(), snap.Free()})
	tw.Render()
}

// renderFileInfo the key/value block printed by info
func renderFileInfo(w io.Writer, title, path string, exists bool, mode os.FileMode, modified time.Time, size int64) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  filename: %s\n", path)
	fmt.Fprintf(w, "  exists: %t\n", exists)
	if !exists {
		fmt.Fprintf(w, "  mode: %s\n  modified: %s\n  size: %s\n", placeholder, placeholder, placeholder)
		return
	}
	fmt.Fprintf(w, "  mode: %s\n", mode)
	fmt.Fprintf(w, "  modified: %s\n", modified.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  size: %s\n", datasize.ByteSize(size).HumanReadable())
}
