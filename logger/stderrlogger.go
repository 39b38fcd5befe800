package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// WriterOutlet formats entries and writes them to an io.Writer, one per line.
type WriterOutlet struct {
	Formatter EntryFormatter
	Writer    io.Writer

	mtx sync.Mutex
}

var _ Outlet = (*WriterOutlet)(nil)

func (h *WriterOutlet) WriteEntry(entry Entry) error {
	bytes, err := h.Formatter.Format(&entry)
	if err != nil {
		return err
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	_, err = h.Writer.Write(bytes)
	if err != nil {
		return err
	}
	fmt.Fprint(h.Writer, "\n")
	return nil
}

// NewStderrLogger builds a logger that writes human-formatted entries at
// minLevel or above to stderr, colorized iff stderr is a terminal.
func NewStderrLogger(minLevel Level) Logger {
	outlets := NewOutlets()
	outlets.Add(&WriterOutlet{
		Formatter: &HumanFormatter{Colorize: isatty.IsTerminal(os.Stderr.Fd())},
		Writer:    os.Stderr,
	}, minLevel)
	return NewLogger(outlets)
}
