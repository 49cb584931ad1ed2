// Package kfmt provides the logging used by the bootstrap modules. Records
// are formatted with log15's logfmt encoder. Until an output sink is
// attached they are kept in an in-memory journal, so messages emitted while
// the machine is being modelled are not lost.
package kfmt

import (
	"io"
	"sync"

	"github.com/inconshreveable/log15"
)

var (
	sinkMu sync.Mutex

	// early holds records emitted before SetOutputSink is called.
	early journal

	// outputSink receives formatted records. If nil, records go to early.
	outputSink io.Writer

	format = log15.LogfmtFormat()

	root = log15.New()
)

func init() {
	SetLevel(log15.LvlInfo)
}

// Logger returns a logger whose records carry the given module name.
func Logger(module string) log15.Logger {
	return root.New("module", module)
}

// SetLevel drops records less severe than lvl.
func SetLevel(lvl log15.Lvl) {
	root.SetHandler(log15.LvlFilterHandler(lvl, log15.FuncHandler(emit)))
}

// SetOutputSink directs all further records to w and replays any records
// collected in the early journal. Passing nil reverts to the journal.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = early.WriteTo(w)
	}
}

func emit(r *log15.Record) error {
	line := format.Format(r)

	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		_, err := early.Write(line)
		return err
	}

	_, err := outputSink.Write(line)
	return err
}
