package joblog

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lineRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(Z|[+-]\d{2}:\d{2}): (INFO|ERROR|SUCCESS) : .+$`)

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/var/lib/gpuq/jobs.log", PathFor("/var/lib/gpuq/jobs.csv"))
	assert.Equal(t, "/tmp/queue.log", PathFor("/tmp/queue"))
}

func TestFormatter(t *testing.T) {
	e := &logrus.Entry{
		Time:    time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "Running job",
		Data:    logrus.Fields{"worker": "w1", "job": 4},
	}
	out, err := Formatter{}.Format(e)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T08:30:00Z: INFO : Running job job=4 worker=w1\n", string(out))

	e.Level = logrus.ErrorLevel
	e.Data = logrus.Fields{}
	out, err = Formatter{}.Format(e)
	require.NoError(t, err)
	assert.Contains(t, string(out), ": ERROR : ")

	e.Level = logrus.InfoLevel
	e.Data = logrus.Fields{tagField: TagSuccess}
	out, err = Formatter{}.Format(e)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T08:30:00Z: SUCCESS : Running job\n", string(out))
}

func TestOpenAppendsAndEchoes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.log")
	var echo bytes.Buffer

	l, err := Open(path, &echo)
	require.NoError(t, err)
	l.Info("worker %s started", "a")
	l.Error("job %d failed", 3)
	l.Success("job %d finished", 4)
	require.NoError(t, l.Close())

	// a second writer appends instead of truncating
	l2, err := Open(path, nil)
	require.NoError(t, err)
	l2.Info("worker b started")
	require.NoError(t, l2.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Regexp(t, lineRE, line)
	}
	assert.Contains(t, lines[1], ": ERROR : job 3 failed")
	assert.Contains(t, lines[2], ": SUCCESS : job 4 finished")

	assert.Equal(t, 3, strings.Count(echo.String(), "\n"))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0666), fi.Mode().Perm())
}
