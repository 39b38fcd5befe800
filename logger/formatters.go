package logger

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"
)

const fieldTime = "time"
const fieldLevel = "level"
const fieldMsg = "msg"

type EntryFormatter interface {
	Format(e *Entry) ([]byte, error)
}

// HumanFormatter renders an entry for people staring at a terminal:
// level short-code, message, then the fields sorted by name.
type HumanFormatter struct {
	Colorize bool
}

var _ EntryFormatter = (*HumanFormatter)(nil)

var levelColors = map[Level]*color.Color{
	Debug: color.New(color.FgHiBlack),
	Info:  color.New(color.FgGreen),
	Warn:  color.New(color.FgYellow),
	Error: color.New(color.FgRed),
}

func (f *HumanFormatter) Format(e *Entry) ([]byte, error) {
	var line bytes.Buffer

	level := e.Level.Short()
	if f.Colorize {
		if c, ok := levelColors[e.Level]; ok {
			level = c.Sprint(level)
		}
	}
	fmt.Fprintf(&line, "%s [%s]", e.Time.Format(time.RFC3339), level)
	fmt.Fprintf(&line, ": %s", e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&line, " %s=%q", k, fmt.Sprint(e.Fields[k]))
	}

	return line.Bytes(), nil
}

// LogfmtFormatter renders an entry as a logfmt line, suitable for machine
// consumption.
type LogfmtFormatter struct{}

var _ EntryFormatter = (*LogfmtFormatter)(nil)

func (f *LogfmtFormatter) Format(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if err := enc.EncodeKeyval(fieldTime, e.Time); err != nil {
		return nil, errors.Wrap(err, "logfmt: encode time")
	}
	if err := enc.EncodeKeyval(fieldLevel, e.Level.Short()); err != nil {
		return nil, errors.Wrap(err, "logfmt: encode level")
	}
	if err := enc.EncodeKeyval(fieldMsg, e.Message); err != nil {
		return nil, errors.Wrap(err, "logfmt: encode message")
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := logfmtTryEncodeKeyval(enc, k, e.Fields[k]); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func logfmtTryEncodeKeyval(enc *logfmt.Encoder, field string, value interface{}) error {
	err := enc.EncodeKeyval(field, value)
	switch err {
	case nil:
		return nil
	case logfmt.ErrUnsupportedValueType:
		return enc.EncodeKeyval(field, fmt.Sprintf("<%T>", value))
	}
	return errors.Wrapf(err, "cannot encode field '%s'", field)
}
