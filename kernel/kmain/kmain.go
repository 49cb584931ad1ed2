// Package kmain runs the root task bootstrap: it hands the untyped memory
// and the free slots of the root CNode to an allocator, builds the address
// space of every child, wires the channels between them and starts them.
package kmain

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/image"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem/untyped"
	"rootserver/kernel/mem/vspace"
	"rootserver/kernel/proc"
)

const tracerName = "rootserver/kernel/kmain"

// panicFn is mocked by tests.
var panicFn = kfmt.Panic

// System is the result of a successful bootstrap.
type System struct {
	BootID    uuid.UUID
	Processes []*proc.Process
	Channels  []*proc.Channel

	k     *kobj.Kernel
	alloc *untyped.Allocator
}

// Process returns the process with the given name.
func (s *System) Process(name string) (*proc.Process, bool) {
	for _, p := range s.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Park suspends the root task. The children keep running; the system can
// still be inspected but the root task can no longer supervise them.
func (s *System) Park() error {
	if err := s.k.Root().TCBSuspend(bootinfo.SlotTCB); err != nil {
		return errors.Wrap(err, "parking root task")
	}
	kfmt.Logger("kmain").Info("root task parked", "boot_id", s.BootID.String())
	return nil
}

// Boot runs the bootstrap on k using the resources described by info. The
// first error aborts the bootstrap; processes that were not yet running
// are left in the Aborted state and never run. Booting twice on the same
// kernel fails because the slots handed out by info are already taken.
func Boot(ctx context.Context, k *kobj.Kernel, info *bootinfo.BootInfo, cfg Config) (sys *System, err error) {
	bootID := uuid.New()
	log := kfmt.Logger("kmain").New("boot_id", bootID.String())

	ctx, span := otel.Tracer(tracerName).Start(ctx, "boot",
		trace.WithAttributes(
			attribute.String("boot.id", bootID.String()),
			attribute.Int("boot.children", len(cfg.Images)),
			attribute.Int("boot.channels", len(cfg.Channels)),
		),
	)
	defer func() { endSpan(span, err) }()

	log.Info("bootstrap started", "children", len(cfg.Images), "channels", len(cfg.Channels))

	root := k.Root()
	alloc := untyped.New(root, info)
	alloc.LogRegions()

	scratch, err := acquireScratch(ctx, root, info, cfg.ScratchAddr)
	if err != nil {
		return nil, err
	}

	builder := vspace.NewBuilder(alloc, root, scratch)
	builder.IPCBufferAddr = cfg.IPCBufferAddr

	launcher := proc.NewLauncher(alloc, root, &tracedBuilder{ctx: ctx, builder: builder}, cfg.CNodeSizeBits)
	launcher.Inspector = k

	procs, err := launch(ctx, launcher, cfg)
	if err != nil {
		return nil, err
	}

	alloc.LogRegions()
	log.Info("bootstrap complete", "processes", len(procs))

	return &System{
		BootID:    bootID,
		Processes: procs,
		Channels:  cfg.Channels,
		k:         k,
		alloc:     alloc,
	}, nil
}

func acquireScratch(ctx context.Context, root *kobj.Thread, info *bootinfo.BootInfo, addr uintptr) (scratch *vspace.ScratchPage, err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "acquire-scratch")
	defer func() { endSpan(span, err) }()

	scratch, kerr := vspace.AcquireScratch(root, info, addr)
	if kerr != nil {
		return nil, errors.Wrapf(kerr, "acquiring scratch page at %#x", addr)
	}

	span.SetAttributes(attribute.Int64("scratch.addr", int64(scratch.Address())))
	return scratch, nil
}

func launch(ctx context.Context, launcher *proc.Launcher, cfg Config) (procs []*proc.Process, err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "launch")
	defer func() { endSpan(span, err) }()

	return launcher.Launch(cfg.Images, cfg.Channels)
}

// tracedBuilder records a span for every address space it builds.
type tracedBuilder struct {
	ctx     context.Context
	builder *vspace.Builder
}

func (b *tracedBuilder) Build(img *image.Image) (*vspace.AddressSpace, vspace.IPCBuffer, *kernel.Error) {
	_, span := otel.Tracer(tracerName).Start(b.ctx, "build-address-space",
		trace.WithAttributes(attribute.String("image.name", img.Name)),
	)
	defer span.End()

	as, ipc, err := b.builder.Build(img)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, ipc, err
	}

	span.SetAttributes(
		attribute.Int("image.pages", len(as.Pages)),
		attribute.Int("image.tables", len(as.Tables)),
	)
	return as, ipc, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Kmain boots the system described by a manifest and parks the root task.
// Any error is unrecoverable and is reported through kfmt.Panic, in which
// case Kmain returns nil.
func Kmain(ctx context.Context, manifest *bootinfo.Manifest) (*kobj.Kernel, *System) {
	k, info, kerr := kobj.New(manifest.Machine)
	if kerr != nil {
		panicFn(kerr)
		return nil, nil
	}

	cfg, err := NewConfig(manifest.Boot)
	if err != nil {
		panicFn(err)
		return nil, nil
	}

	sys, err := Boot(ctx, k, info, cfg)
	if err != nil {
		panicFn(err)
		return nil, nil
	}

	if err = sys.Park(); err != nil {
		panicFn(err)
		return nil, nil
	}
	return k, sys
}
