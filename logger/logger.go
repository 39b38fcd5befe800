// Package logger provides the leveled, structured logger used throughout the
// client runtime. Fields accumulate on child loggers via WithField; outlets
// receive the rendered entries.
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// The field set by the WithError function.
const FieldError = "err"

const DefaultUserFieldCapacity = 5

const internalErrorPrefix = "github.com/xrdclient/xrdclient/logger: "

type Logger interface {
	WithField(field string, val interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Log(level Level, msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type loggerImpl struct {
	fields  Fields
	outlets *Outlets

	mtx *sync.Mutex
}

var _ Logger = (*loggerImpl)(nil)

func NewLogger(outlets *Outlets) Logger {
	return &loggerImpl{
		fields:  make(Fields, DefaultUserFieldCapacity),
		outlets: outlets,
		mtx:     &sync.Mutex{},
	}
}

func (l *loggerImpl) log(level Level, msg string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	entry := Entry{level, msg, time.Now(), l.fields}
	for _, out := range l.outlets.Get(level) {
		if err := out.WriteEntry(entry); err != nil {
			fmt.Fprintf(os.Stderr, "%soutlet error: %s\n", internalErrorPrefix, err)
		}
	}
}

func (l *loggerImpl) WithField(field string, val interface{}) Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	child := &loggerImpl{
		fields:  make(Fields, len(l.fields)+1),
		outlets: l.outlets, // cannot be changed after logger initialized
		mtx:     l.mtx,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *loggerImpl) WithFields(fields Fields) Logger {
	ret := Logger(l)
	for field, value := range fields {
		ret = ret.WithField(field, value)
	}
	return ret
}

func (l *loggerImpl) WithError(err error) Logger {
	val := interface{}(nil)
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *loggerImpl) Log(level Level, msg string) { l.log(level, msg) }
func (l *loggerImpl) Debug(msg string)            { l.log(Debug, msg) }
func (l *loggerImpl) Info(msg string)             { l.log(Info, msg) }
func (l *loggerImpl) Warn(msg string)             { l.log(Warn, msg) }
func (l *loggerImpl) Error(msg string)            { l.log(Error, msg) }
