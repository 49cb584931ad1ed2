// Package proc wires child processes to each other and launches them.
//
// The launcher follows a fixed protocol. Every child first gets its address
// space. Then one notification object is created per channel and one CNode
// per child. The sender of a channel receives a write-only, badged copy of
// the notification capability and the receiver a read-only, unbadged one.
// Each child then gets a TCB bound to its CNode and address space, a full
// rights capability to that TCB in its own CNode, and is finally resumed at
// its entry point. The first failure aborts the bootstrap and no child that
// was not yet running is ever started.
package proc

import (
	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/image"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem"
	"rootserver/kernel/mem/untyped"
	"rootserver/kernel/mem/vspace"
)

var (
	// ErrUnknownChild is returned for channels that name an undeclared
	// child.
	ErrUnknownChild = &kernel.Error{Module: "proc", Message: "unknown child"}

	// ErrCNodeFull is returned when a child CNode has no slot left for a
	// channel capability.
	ErrCNodeFull = &kernel.Error{Module: "proc", Message: "child CNode has no free slots"}

	// ErrUnbadgedChannel is returned for channels whose sender would get
	// an unbadged capability.
	ErrUnbadgedChannel = &kernel.Error{Module: "proc", Message: "channel badge must be non-zero"}
)

// Kernel is the set of invocations used by the launcher.
type Kernel interface {
	Supervisor
	CNodeMint(destRoot cap.CPtr, dest cap.Slot, srcRoot cap.CPtr, src cap.Slot, rights cap.Rights, badge cap.Badge) *kernel.Error
	TCBConfigure(tcb cap.CPtr, faultEP cap.CPtr, cspaceRoot cap.CPtr, cspaceData cap.CNodeCapData, vspaceRoot cap.CPtr, bufferAddr uintptr, bufferFrame cap.CPtr) *kernel.Error
	TCBWriteRegisters(tcb cap.CPtr, resume bool, ctx kobj.UserContext) *kernel.Error
}

// Allocator creates kernel objects from untyped memory.
type Allocator interface {
	AllocateFixed(kind cap.ObjectType) (untyped.Object, *kernel.Error)
	AllocateVariable(kind cap.ObjectType, sizeBits uint8) (untyped.Object, *kernel.Error)
}

// Builder constructs child address spaces.
type Builder interface {
	Build(img *image.Image) (*vspace.AddressSpace, vspace.IPCBuffer, *kernel.Error)
}

// Channel is a one-way notification channel between two children.
type Channel struct {
	Name     string
	Sender   string
	Receiver string
	Badge    cap.Badge

	// Notification is the root CNode slot of the notification object. It
	// is set by the launcher.
	Notification cap.CPtr
}

// Launcher runs the wiring and launch protocol.
type Launcher struct {
	alloc   Allocator
	kernel  Kernel
	builder Builder

	// CNodeSizeBits is the radix of every child CNode.
	CNodeSizeBits uint8

	// Inspector, if set, lets processes report the state the kernel
	// keeps for their threads.
	Inspector Inspector

	log log15.Logger
}

// NewLauncher returns a launcher that allocates from alloc, invokes objects
// through k and builds address spaces with builder.
func NewLauncher(alloc Allocator, k Kernel, builder Builder, cnodeSizeBits uint8) *Launcher {
	return &Launcher{
		alloc:         alloc,
		kernel:        k,
		builder:       builder,
		CNodeSizeBits: cnodeSizeBits,
		log:           kfmt.Logger("proc"),
	}
}

// Launch starts one process per image and wires the channels between them.
// Images are matched to channel endpoints by name. The returned processes
// are in image order. On failure, the processes that were set up so far are
// returned in the Aborted state together with the error.
func (l *Launcher) Launch(images []*image.Image, channels []*Channel) ([]*Process, error) {
	procs := make([]*Process, 0, len(images))
	byName := make(map[string]*Process, len(images))
	for _, img := range images {
		p := &Process{
			ID:            uuid.New(),
			Name:          img.Name,
			Entry:         img.Entry,
			CNodeSizeBits: l.CNodeSizeBits,
			supervisor:    l.kernel,
			inspector:     l.Inspector,
		}
		p.log = l.log.New("child", p.Name, "id", p.ID.String())
		procs = append(procs, p)
		byName[p.Name] = p
	}

	err := l.launch(images, procs, byName, channels)
	if err != nil {
		for _, p := range procs {
			p.mu.Lock()
			if !p.state.Launched() {
				p.state = Aborted
			}
			p.mu.Unlock()
		}
		l.log.Error("bootstrap aborted", "err", err)
	}
	return procs, err
}

func (l *Launcher) launch(images []*image.Image, procs []*Process, byName map[string]*Process, channels []*Channel) error {
	// Every child CNode must hold the channel and self TCB slots.
	if uint64(SlotSelfTCB) >= uint64(1)<<l.CNodeSizeBits {
		return errors.Wrapf(ErrCNodeFull, "cnode size bits %d", l.CNodeSizeBits)
	}

	for _, ch := range channels {
		for _, end := range []string{ch.Sender, ch.Receiver} {
			if _, ok := byName[end]; !ok {
				return errors.Wrapf(ErrUnknownChild, "channel %q: child %q", ch.Name, end)
			}
		}
		if ch.Badge == 0 {
			return errors.Wrapf(ErrUnbadgedChannel, "channel %q", ch.Name)
		}
	}

	for i, img := range images {
		if err := l.buildAddressSpace(procs[i], img); err != nil {
			return err
		}
	}

	for _, ch := range channels {
		ntfn, err := l.alloc.AllocateFixed(cap.TypeNotification)
		if err != nil {
			return errors.Wrapf(err, "channel %q: allocating notification", ch.Name)
		}
		ch.Notification = ntfn.Cap
	}

	for _, p := range procs {
		cnode, err := l.alloc.AllocateVariable(cap.TypeCNode, l.CNodeSizeBits)
		if err != nil {
			return errors.Wrapf(err, "child %q: allocating CNode", p.Name)
		}
		p.CNode = cnode.Cap
	}

	for _, ch := range channels {
		if err := l.grant(byName[ch.Sender], ch, cap.WriteOnly, ch.Badge); err != nil {
			return err
		}
		if err := l.grant(byName[ch.Receiver], ch, cap.ReadOnly, 0); err != nil {
			return err
		}
	}

	for _, p := range procs {
		if err := p.transition(ChannelWired); err != nil {
			return errors.Wrapf(err, "child %q", p.Name)
		}
	}

	for _, p := range procs {
		if err := l.configureThread(p); err != nil {
			return err
		}
	}

	// No child runs until every thread holds its initial registers.
	for _, p := range procs {
		if err := l.kernel.TCBWriteRegisters(p.TCB, false, kobj.UserContext{PC: p.Entry}); err != nil {
			return errors.Wrapf(err, "child %q: writing registers", p.Name)
		}
	}

	for _, p := range procs {
		if err := l.kernel.TCBResume(p.TCB); err != nil {
			return errors.Wrapf(err, "child %q: resuming thread", p.Name)
		}
		if err := p.transition(Running); err != nil {
			return errors.Wrapf(err, "child %q", p.Name)
		}
		p.log.Info("process started", "entry", p.Entry, "tcb", uint64(p.TCB))
	}

	return nil
}

func (l *Launcher) buildAddressSpace(p *Process, img *image.Image) error {
	as, ipc, err := l.builder.Build(img)
	if err != nil {
		return errors.Wrapf(err, "child %q: building address space", p.Name)
	}

	p.AddressSpace = as
	p.IPCBuffer = ipc
	if err := p.transition(AddressSpaceReady); err != nil {
		return errors.Wrapf(err, "child %q", p.Name)
	}
	return nil
}

// grant mints the channel notification into the next free channel slot of
// the child CNode. Slot SlotChannel is used first; further channels skip
// over SlotSelfTCB.
func (l *Launcher) grant(p *Process, ch *Channel, rights cap.Rights, badge cap.Badge) error {
	slot := uint64(SlotChannel)
	if len(p.Grants) > 0 {
		slot = uint64(SlotSelfTCB) + uint64(len(p.Grants))
	}
	if slot >= uint64(1)<<p.CNodeSizeBits {
		return errors.Wrapf(ErrCNodeFull, "child %q: channel %q", p.Name, ch.Name)
	}

	err := l.kernel.CNodeMint(
		p.CNode, cap.Slot{Index: slot, Depth: p.CNodeSizeBits},
		bootinfo.SlotCNode, cap.Slot{Index: uint64(ch.Notification), Depth: mem.WordBits},
		rights, badge,
	)
	if err != nil {
		return errors.Wrapf(err, "child %q: minting channel %q", p.Name, ch.Name)
	}

	p.Grants = append(p.Grants, Grant{Channel: ch.Name, Slot: slot, Rights: rights, Badge: badge})
	p.log.Debug("channel granted", "channel", ch.Name, "slot", slot, "rights", rights, "badge", uint64(badge))
	return nil
}

// configureThread creates the TCB of a child, binds it to the child's
// CSpace, VSpace and IPC buffer and stores a capability to it in the
// child's self slot.
func (l *Launcher) configureThread(p *Process) error {
	tcb, err := l.alloc.AllocateFixed(cap.TypeTCB)
	if err != nil {
		return errors.Wrapf(err, "child %q: allocating TCB", p.Name)
	}
	p.TCB = tcb.Cap

	// The guard consumes the CPtr bits above the CNode radix so children
	// address their slots with small integers.
	cspaceData := cap.CNodeCapData{Guard: 0, GuardSize: mem.WordBits - p.CNodeSizeBits}
	if err = l.kernel.TCBConfigure(p.TCB, cap.Null, p.CNode, cspaceData, p.AddressSpace.Root, p.IPCBuffer.Addr, p.IPCBuffer.Frame); err != nil {
		return errors.Wrapf(err, "child %q: configuring TCB", p.Name)
	}

	err = l.kernel.CNodeMint(
		p.CNode, cap.Slot{Index: SlotSelfTCB, Depth: p.CNodeSizeBits},
		bootinfo.SlotCNode, cap.Slot{Index: uint64(p.TCB), Depth: mem.WordBits},
		cap.AllRights, 0,
	)
	if err != nil {
		return errors.Wrapf(err, "child %q: granting TCB", p.Name)
	}

	if err := p.transition(ThreadConfigured); err != nil {
		return errors.Wrapf(err, "child %q", p.Name)
	}
	return nil
}
