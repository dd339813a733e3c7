package ic

import (
	"fmt"
	"sync"
)

// InstanceID indexes an instance slot. Slots are never removed, so ids stay
// stable for the life of the process.
type InstanceID = int

// instanceStateKind discriminates the slot state machine.
//
//	Available --dispatch--> Busy --compute done--> Available
//	Available --delete--> Deleted        (Busy blocks delete)
type instanceStateKind uint8

const (
	stateAvailable instanceStateKind = iota
	stateBusy
	stateDeleted
)

// instanceSlot is the per-instance critical section. The mutex guards the
// state transition fields only; contending dispatchers queue on it while all
// other instances remain independent.
type instanceSlot struct {
	mu       sync.Mutex
	progress *progressDriver

	kind instanceStateKind
	// inst is owned by the slot while Available and by the compute worker
	// while Busy.
	inst Instance
	// busyLabel/busyOp describe the in-flight computation while Busy.
	busyLabel StateLabel
	busyOp    OpId
}

func newAvailableSlot(inst Instance) *instanceSlot {
	return &instanceSlot{kind: stateAvailable, inst: inst}
}

// describe renders the slot state for ListInstanceStates. The caller holds
// the slot mutex.
func (s *instanceSlot) describe() string {
	switch s.kind {
	case stateBusy:
		return fmt.Sprintf("Busy(%#v, OpId(%s))", s.busyLabel, s.busyOp)
	case stateDeleted:
		return "Deleted"
	default:
		return "Available"
	}
}
