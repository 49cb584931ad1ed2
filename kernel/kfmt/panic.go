package kfmt

import (
	"os"

	"github.com/pkg/errors"

	"rootserver/kernel"
)

var (
	// haltFn is mocked by tests.
	haltFn = func() { os.Exit(1) }

	errUnknownCause = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error as unrecoverable and halts. The record is
// attributed to the module of the underlying kernel.Error when there is
// one. Panic is expected not to return.
func Panic(err error) {
	if err == nil {
		err = errUnknownCause
	}

	module := "rt"
	if kerr, ok := errors.Cause(err).(*kernel.Error); ok && kerr.Module != "" {
		module = kerr.Module
	}

	log := Logger(module)
	log.Crit("unrecoverable error", "err", err)
	log.Crit("*** bootstrap aborted: system halted ***")

	haltFn()
}
