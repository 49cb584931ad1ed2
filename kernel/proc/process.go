package proc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"

	"rootserver/kernel"
	"rootserver/kernel/cap"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem/vspace"
)

// Slots of a child CNode that are filled by the launcher. Channels beyond
// the first are placed in the slots following SlotSelfTCB.
const (
	SlotChannel = 1
	SlotSelfTCB = 2
)

// Grant describes a channel capability placed in a child CNode.
type Grant struct {
	Channel string
	Slot    uint64
	Rights  cap.Rights
	Badge   cap.Badge
}

// CPtr returns the address the child uses to invoke the granted capability.
// Child CSpaces are a single guarded level with a zero guard, so the
// address is the slot index.
func (g Grant) CPtr() cap.CPtr {
	return cap.CPtr(g.Slot)
}

// Supervisor is implemented by threads that hold TCB capabilities.
type Supervisor interface {
	TCBSuspend(tcb cap.CPtr) *kernel.Error
	TCBResume(tcb cap.CPtr) *kernel.Error
}

// Inspector reports the kernel state of a thread.
type Inspector interface {
	TCB(tcb cap.CPtr) (kobj.TCBInfo, *kernel.Error)
}

// Process describes a child started by the root task. All capabilities
// except Grants live in the root CNode.
type Process struct {
	ID   uuid.UUID
	Name string

	TCB           cap.CPtr
	CNode         cap.CPtr
	CNodeSizeBits uint8
	AddressSpace  *vspace.AddressSpace
	Entry         uintptr
	IPCBuffer     vspace.IPCBuffer
	Grants        []Grant

	mu    sync.Mutex
	state State

	supervisor Supervisor
	inspector  Inspector
	log        log15.Logger
}

// State returns the lifecycle state of the process. Once the thread was
// resumed, the state reported by the kernel takes precedence, so a child
// that exited or faulted on its own is reported as such.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.Launched() || p.inspector == nil {
		return p.state
	}

	info, err := p.inspector.TCB(p.TCB)
	if err != nil {
		return p.state
	}

	var observed State
	switch info.State {
	case kobj.ThreadSuspended:
		observed = Suspended
	case kobj.ThreadExited:
		observed = Exited
	case kobj.ThreadFaulted:
		observed = Faulted
	default:
		observed = Running
	}

	if observed != p.state && p.state.CanTransition(observed) {
		p.log.Info("state changed", "from", p.state, "to", observed)
		p.state = observed
	}
	return p.state
}

// transition moves the process to the next state.
func (p *Process) transition(to State) *kernel.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.transitionLocked(to)
}

func (p *Process) transitionLocked(to State) *kernel.Error {
	if !p.state.CanTransition(to) {
		return ErrInvalidTransition
	}

	p.log.Debug("state changed", "from", p.state, "to", to)
	p.state = to
	return nil
}

// Suspend stops a running process.
func (p *Process) Suspend() *kernel.Error {
	if p.State() != Running {
		return ErrInvalidTransition
	}

	if err := p.supervisor.TCBSuspend(p.TCB); err != nil {
		return err
	}
	return p.transition(Suspended)
}

// Resume restarts a suspended process where it stopped.
func (p *Process) Resume() *kernel.Error {
	if p.State() != Suspended {
		return ErrInvalidTransition
	}

	if err := p.supervisor.TCBResume(p.TCB); err != nil {
		return err
	}
	return p.transition(Running)
}
