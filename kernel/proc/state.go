package proc

import "rootserver/kernel"

// ErrInvalidTransition is returned when a process is moved to a state that
// cannot follow its current one.
var ErrInvalidTransition = &kernel.Error{Module: "proc", Message: "invalid state transition"}

// State is the lifecycle state of a child process.
type State uint8

const (
	// Unconfigured processes have a name and an image and nothing else.
	Unconfigured State = iota

	// AddressSpaceReady processes have their image mapped.
	AddressSpaceReady

	// ChannelWired processes hold their channel capabilities.
	ChannelWired

	// ThreadConfigured processes have a TCB bound to their CSpace and
	// VSpace and a capability to it in their own CNode.
	ThreadConfigured

	// Running processes were resumed at their entry point.
	Running

	// Suspended processes were stopped by the root task.
	Suspended

	// Exited processes stopped themselves.
	Exited

	// Faulted processes raised a fault. No fault handler is installed so
	// they never run again.
	Faulted

	// Aborted processes were being set up when the bootstrap failed. They
	// never run.
	Aborted
)

var stateNames = [...]string{
	Unconfigured:      "unconfigured",
	AddressSpaceReady: "address-space-ready",
	ChannelWired:      "channel-wired",
	ThreadConfigured:  "thread-configured",
	Running:           "running",
	Suspended:         "suspended",
	Exited:            "exited",
	Faulted:           "faulted",
	Aborted:           "aborted",
}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the states that may follow each state.
var transitions = map[State][]State{
	Unconfigured:      {AddressSpaceReady, Aborted},
	AddressSpaceReady: {ChannelWired, Aborted},
	ChannelWired:      {ThreadConfigured, Aborted},
	ThreadConfigured:  {Running, Aborted},
	Running:           {Suspended, Exited, Faulted},
	Suspended:         {Running, Exited},
}

// CanTransition returns true if to may follow s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Launched returns true for states reached after the thread was resumed.
func (s State) Launched() bool {
	switch s {
	case Running, Suspended, Exited, Faulted:
		return true
	}
	return false
}
