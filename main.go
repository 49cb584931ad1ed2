package main

import (
	"os"

	"rootserver/kernel/kfmt"
)

// main runs the root task on the kernel model described by a manifest and
// prints what it started.
func main() {
	if err := run(os.Args, os.Stdout, os.Stderr); err != nil {
		kfmt.Panic(err)
	}
}
