package jobtable

// ============================================================================
// Job Table Persistence
// Purpose:
// 1. Encode the job collection as a ';'-delimited file, one row per job
// 2. Replace the file atomically (temp file + rename) so readers never see a torn table
// 3. Leave the file world read/write so every local user can operate on the queue
//
// Callers must hold the table lock across load and save.
// ============================================================================

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/gpuq/pkg/types"
)

// Header column order of the persisted table
var Header = []string{
	"pid", "id", "user", "command", "priority", "gpu_mem", "state",
	"ctime", "stime", "ftime", "env_path", "working_dir",
}

const (
	// emptyField marks an unset pid/stime/ftime
	emptyField = "---"
	delimiter  = ';'
	fileMode   = 0666
)

// store file-level access to the table; it knows nothing about locking
type store struct {
	path string
}

// load reads the persisted collection. A missing or empty file yields an empty
// collection. Rows are returned in canonical order.
func (s *store) load() ([]*types.Job, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.Job{}, nil
		}
		return nil, errors.Wrapf(err, "read table %s", s.path)
	}

	jobs, err := decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", s.path)
	}
	types.Sort(jobs)
	return jobs, nil
}

// save replaces the persisted collection
func (s *store) save(jobs []*types.Job) error {
	var buf bytes.Buffer
	if err := encode(&buf, jobs); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp table")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp table")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync temp table")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp table")
	}
	// CreateTemp uses 0600 and the umask applies to OpenFile, so set the mode explicitly
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "chmod temp table")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "replace table")
	}
	return nil
}

// ============================================================================
// Row codec
// ============================================================================

func encode(w io.Writer, jobs []*types.Job) error {
	cw := csv.NewWriter(w)
	cw.Comma = delimiter

	if err := cw.Write(Header); err != nil {
		return errors.Wrap(err, "encode header")
	}
	for _, j := range jobs {
		if err := cw.Write(encodeRow(j)); err != nil {
			return errors.Wrapf(err, "encode job %d", j.ID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "encode table")
}

func encodeRow(j *types.Job) []string {
	pid := emptyField
	if j.PID != 0 {
		pid = strconv.Itoa(j.PID)
	}
	return []string{
		pid,
		strconv.Itoa(j.ID),
		j.User,
		j.Command,
		strconv.Itoa(int(j.Priority)),
		strconv.Itoa(j.GPUMem),
		string(j.State),
		formatTime(j.CTime),
		formatTime(j.STime),
		formatTime(j.FTime),
		j.EnvPath,
		j.WorkingDir,
	}
}

func decode(r io.Reader) ([]*types.Job, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.FieldsPerRecord = len(Header)

	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptedTable, "%v", err)
	}

	jobs := make([]*types.Job, 0, len(records))
	for i, rec := range records {
		if i == 0 && rec[0] == Header[0] && rec[1] == Header[1] {
			continue
		}
		j, err := decodeRow(rec)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptedTable, "row %d: %v", i, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func decodeRow(rec []string) (*types.Job, error) {
	var (
		j   types.Job
		err error
	)

	if j.PID, err = parseOptionalInt(rec[0]); err != nil {
		return nil, errors.Wrap(err, "pid")
	}
	if j.ID, err = strconv.Atoi(rec[1]); err != nil {
		return nil, errors.Wrap(err, "id")
	}
	j.User = rec[2]
	j.Command = rec[3]
	if j.Priority, err = types.ParsePriority(rec[4]); err != nil {
		return nil, err
	}
	if j.GPUMem, err = strconv.Atoi(rec[5]); err != nil {
		return nil, errors.Wrap(err, "gpu_mem")
	}
	if j.State, err = types.ParseState(rec[6]); err != nil {
		return nil, err
	}
	if j.CTime, err = parseTime(rec[7]); err != nil {
		return nil, errors.Wrap(err, "ctime")
	}
	if j.STime, err = parseTime(rec[8]); err != nil {
		return nil, errors.Wrap(err, "stime")
	}
	if j.FTime, err = parseTime(rec[9]); err != nil {
		return nil, errors.Wrap(err, "ftime")
	}
	j.EnvPath = rec[10]
	j.WorkingDir = rec[11]
	return &j, nil
}

func parseOptionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == emptyField {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return emptyField
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == emptyField {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
