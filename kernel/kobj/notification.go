package kobj

import (
	"rootserver/kernel"
	"rootserver/kernel/cap"
)

type notificationState struct {
	active bool
	word   uint64
}

// Signal ORs the badge of the notification capability at cptr into the
// notification word and wakes any waiter. The capability needs write rights.
func (t *Thread) Signal(cptr cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	c, obj, err := t.lookupObject(cptr, cap.TypeNotification)
	if err != nil {
		return err
	}

	if !c.Rights.Has(cap.RightWrite) {
		return cap.ErrRightsViolation
	}

	obj.ntfn.word |= uint64(c.Badge)
	obj.ntfn.active = true
	t.k.signalled.Broadcast()
	return nil
}

// Wait blocks until the notification at cptr has been signalled and returns
// the accumulated badge word, clearing it. The capability needs read
// rights. There is no timeout.
func (t *Thread) Wait(cptr cap.CPtr) (cap.Badge, *kernel.Error) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	c, obj, err := t.lookupObject(cptr, cap.TypeNotification)
	if err != nil {
		return 0, err
	}

	if !c.Rights.Has(cap.RightRead) {
		return 0, cap.ErrRightsViolation
	}

	for !obj.ntfn.active {
		t.k.signalled.Wait()
	}

	return consume(obj.ntfn), nil
}

// Poll returns the badge word of the notification at cptr without blocking.
// The boolean result is false if the notification was not signalled.
func (t *Thread) Poll(cptr cap.CPtr) (cap.Badge, bool, *kernel.Error) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	c, obj, err := t.lookupObject(cptr, cap.TypeNotification)
	if err != nil {
		return 0, false, err
	}

	if !c.Rights.Has(cap.RightRead) {
		return 0, false, cap.ErrRightsViolation
	}

	if !obj.ntfn.active {
		return 0, false, nil
	}
	return consume(obj.ntfn), true, nil
}

func consume(n *notificationState) cap.Badge {
	badge := cap.Badge(n.word)
	n.word = 0
	n.active = false
	return badge
}
