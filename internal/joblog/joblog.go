// Package joblog writes the queue's lifecycle log: one line per event,
//
//	<RFC3339 time>: <TAG> : <message>
//
// with TAG one of INFO, ERROR or SUCCESS. The file sits next to the job table
// and is shared by every worker, so lines are appended with O_APPEND.
package joblog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Tags
const (
	TagInfo    = "INFO"
	TagError   = "ERROR"
	TagSuccess = "SUCCESS"
)

// tagField entry field that overrides the level-derived tag
const tagField = "tag"

// Formatter renders entries in the lifecycle line format. Extra fields are
// appended as sorted key=value pairs.
type Formatter struct{}

// Format implements logrus.Formatter
func (Formatter) Format(e *logrus.Entry) ([]byte, error) {
	tag := TagInfo
	if e.Level <= logrus.ErrorLevel {
		tag = TagError
	}
	if v, ok := e.Data[tagField].(string); ok {
		tag = v
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s : %s", e.Time.Format(time.RFC3339), tag, e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != tagField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// PathFor the log path belonging to a table: same directory and stem, ".log"
func PathFor(tablePath string) string {
	ext := filepath.Ext(tablePath)
	return strings.TrimSuffix(tablePath, ext) + ".log"
}

// Log lifecycle log backed by a file
type Log struct {
	logger *logrus.Logger
	file   *os.File
}

// Open appends to path, creating it world-writable. Every line is also copied
// to echo when it is non-nil.
func Open(path string, echo io.Writer) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open job log %s", path)
	}
	// best effort; the file may belong to another user
	_ = f.Chmod(0666)

	var out io.Writer = f
	if echo != nil {
		out = io.MultiWriter(f, echo)
	}
	return &Log{logger: newLogger(out), file: f}, nil
}

// New a log writing to w only, without a backing file
func New(w io.Writer) *Log {
	return &Log{logger: newLogger(w)}
}

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(Formatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Info logs an INFO event
func (l *Log) Info(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Error logs an ERROR event
func (l *Log) Error(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Success logs a SUCCESS event
func (l *Log) Success(format string, args ...interface{}) {
	l.logger.WithField(tagField, TagSuccess).Infof(format, args...)
}

// Close closes the backing file
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
