package kobj

import (
	"rootserver/kernel"
	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

// ThreadState describes the scheduling state of a TCB.
type ThreadState uint8

const (
	// ThreadInactive is the state of a TCB that was never resumed.
	ThreadInactive ThreadState = iota

	// ThreadRunning threads are scheduled by the kernel.
	ThreadRunning

	// ThreadSuspended threads were stopped by a TCB suspend invocation.
	ThreadSuspended

	// ThreadExited threads stopped themselves for good.
	ThreadExited

	// ThreadFaulted threads raised a fault with no handler installed.
	ThreadFaulted
)

// String implements fmt.Stringer for ThreadState.
func (s ThreadState) String() string {
	switch s {
	case ThreadInactive:
		return "inactive"
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	case ThreadExited:
		return "exited"
	case ThreadFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ipcBufferAlignBits is log2 of the required IPC buffer alignment.
const ipcBufferAlignBits = 9

// instructionBytes is the width of one instruction fetch.
const instructionBytes = 4

// UserContext is the register file of a thread. Registers that are not set
// explicitly keep their reset value of zero.
type UserContext struct {
	PC   uintptr
	SP   uintptr
	Regs [8]uint64
}

type tcbState struct {
	state      ThreadState
	configured bool

	faultEP   cap.CPtr
	cspace    cap.Capability
	vspace    cap.ObjectID
	ipcAddr   uintptr
	ipcBuffer cap.ObjectID

	regs UserContext

	// fetches records the address of every instruction fetch.
	fetches []uintptr
	fault   *kernel.Error
}

// TCBConfigure sets the fault endpoint, CSpace root (with guard data),
// VSpace root and IPC buffer of a TCB. A null fault endpoint means faults
// are not delivered to anyone.
func (t *Thread) TCBConfigure(tcb cap.CPtr, faultEP cap.CPtr, cspaceRoot cap.CPtr, cspaceData cap.CNodeCapData, vspaceRoot cap.CPtr, bufferAddr uintptr, bufferFrame cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, tcbObj, err := t.lookupObject(tcb, cap.TypeTCB)
	if err != nil {
		return err
	}

	cnodeCap, cnodeObj, err := t.lookupObject(cspaceRoot, cap.TypeCNode)
	if err != nil {
		return err
	}

	if uint16(cspaceData.GuardSize)+uint16(cnodeObj.cnode.radix) > mem.WordBits {
		return ErrInvalidArgument
	}

	rootCap, err := cap.DeriveGuard(cnodeCap, cspaceData)
	if err != nil {
		return err
	}

	_, vsObj, err := t.lookupObject(vspaceRoot, cap.TypeVSpace)
	if err != nil {
		return err
	}

	var bufferObj *object
	if bufferFrame != cap.Null {
		if _, bufferObj, err = t.lookupObject(bufferFrame, cap.TypeFrame); err != nil {
			return err
		}
		if !mem.IsAligned(bufferAddr, ipcBufferAlignBits) {
			return ErrAlignment
		}
	}

	state := tcbObj.tcb
	state.faultEP = faultEP
	state.cspace = rootCap
	state.vspace = vsObj.id
	state.ipcAddr = bufferAddr
	state.ipcBuffer = 0
	if bufferObj != nil {
		state.ipcBuffer = bufferObj.id
	}
	state.configured = true
	return nil
}

// TCBWriteRegisters replaces the register file of a TCB and optionally
// resumes it.
func (t *Thread) TCBWriteRegisters(tcb cap.CPtr, resume bool, ctx UserContext) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, tcbObj, err := t.lookupObject(tcb, cap.TypeTCB)
	if err != nil {
		return err
	}

	tcbObj.tcb.regs = ctx
	if !resume {
		return nil
	}
	return t.k.resume(tcbObj)
}

// TCBResume makes a configured thread runnable.
func (t *Thread) TCBResume(tcb cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, tcbObj, err := t.lookupObject(tcb, cap.TypeTCB)
	if err != nil {
		return err
	}
	return t.k.resume(tcbObj)
}

// TCBSuspend stops a thread until it is resumed again.
func (t *Thread) TCBSuspend(tcb cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, tcbObj, err := t.lookupObject(tcb, cap.TypeTCB)
	if err != nil {
		return err
	}

	if tcbObj.tcb.state == ThreadExited {
		return ErrIllegalOperation
	}
	tcbObj.tcb.state = ThreadSuspended
	return nil
}

// Exit stops the invoking thread for good. self must address the thread's
// own TCB with write rights.
func (t *Thread) Exit(self cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	c, tcbObj, err := t.lookupObject(self, cap.TypeTCB)
	if err != nil {
		return err
	}

	if tcbObj.id != t.tcb {
		return cap.ErrInvalidCapability
	}
	if !c.Rights.Has(cap.RightWrite) {
		return cap.ErrRightsViolation
	}

	tcbObj.tcb.state = ThreadExited
	return nil
}

// resume schedules a thread. A thread that runs for the first time fetches
// its first instruction immediately; a failed fetch leaves the thread
// faulted since no fault handler can be reached.
func (k *Kernel) resume(tcbObj *object) *kernel.Error {
	state := tcbObj.tcb
	switch {
	case !state.configured:
		return ErrIllegalOperation
	case state.state == ThreadExited:
		return ErrIllegalOperation
	case state.state == ThreadRunning:
		return nil
	}

	firstRun := state.state == ThreadInactive
	state.state = ThreadRunning
	if firstRun {
		if err := k.fetch(state); err != nil {
			k.log.Warn("thread faulted on first fetch", "tcb", tcbObj.id, "pc", state.regs.PC, "err", err)
		}
	}
	return nil
}

// fetch performs one instruction fetch at the thread's pc and advances it.
func (k *Kernel) fetch(state *tcbState) *kernel.Error {
	pc := state.regs.PC
	state.fetches = append(state.fetches, pc)

	vs := k.objects[state.vspace]
	entry, err := k.translate(vs, pc)
	if err == nil && entry.attrs&AttrExecuteNever != 0 {
		err = cap.ErrRightsViolation
	}
	if err == nil {
		_, err = k.readVirtual(vs, pc, instructionBytes, cap.RightRead)
	}

	if err != nil {
		state.state = ThreadFaulted
		state.fault = err
		return err
	}

	state.regs.PC += instructionBytes
	return nil
}

// Fetch executes one instruction fetch on behalf of the invoking thread.
func (t *Thread) Fetch() (uintptr, *kernel.Error) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	self, err := t.self()
	if err != nil {
		return 0, err
	}

	pc := self.regs.PC
	return pc, t.k.fetch(self)
}
