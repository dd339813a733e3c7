package replica

import (
	"fmt"
	"hash/fnv"
	"math/big"
	"strings"
	"time"

	ic "github.com/SimulatedWorld/ic"
)

func joinPrincipals(ps []ic.PrincipalID) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

// Reject codes of the simulated replica.
const (
	rejectCodeSysFatal           = 1
	rejectCodeSysTransient       = 2
	rejectCodeDestinationInvalid = 3
	rejectCodeCanisterReject     = 4
	rejectCodeCanisterError      = 5
	rejectCodeSysUnknown         = 6
)

// with runs f under the replica lock, rejecting instances of the wrong type.
func with(inst ic.Instance, f func(*Replica) ic.OpOut) ic.OpOut {
	r, ok := inst.(*Replica)
	if !ok {
		return ic.ErrorOutput(&ic.OpError{
			Kind:    ic.ErrRequestRoutingError,
			Message: fmt.Sprintf("operation requires a replica instance, got %T", inst),
		})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

func payloadDigest(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// GetTime reads the replica time.
type GetTime struct{}

func (GetTime) Id() ic.OpId { return "get_time" }

func (GetTime) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		return ic.TimeOutput(r.timeNs)
	})
}

// SetTime moves the replica time forward to an absolute timestamp. Moving
// time backwards is an error.
type SetTime struct {
	TimeNs uint64
}

func (op SetTime) Id() ic.OpId { return ic.OpId(fmt.Sprintf("set_time_%d", op.TimeNs)) }

func (op SetTime) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		if op.TimeNs < r.timeNs {
			return ic.ErrorOutput(&ic.OpError{
				Kind:        ic.ErrSettingTimeIntoPast,
				CurrentTime: r.timeNs,
				TargetTime:  op.TimeNs,
			})
		}
		r.timeNs = op.TimeNs
		return ic.NoOutput()
	})
}

// SetCertifiedTime sets the certified time, also advancing the replica time
// if it lags behind. Certified time never moves backwards.
type SetCertifiedTime struct {
	TimeNs uint64
}

func (op SetCertifiedTime) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("set_certified_time_%d", op.TimeNs))
}

func (op SetCertifiedTime) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		if op.TimeNs < r.certifiedNs {
			return ic.ErrorOutput(&ic.OpError{
				Kind:        ic.ErrSettingTimeIntoPast,
				CurrentTime: r.certifiedNs,
				TargetTime:  op.TimeNs,
			})
		}
		r.certifiedNs = op.TimeNs
		if r.timeNs < op.TimeNs {
			r.timeNs = op.TimeNs
		}
		return ic.NoOutput()
	})
}

// AdvanceTimeAndTick advances the replica time by a duration and executes
// one round.
type AdvanceTimeAndTick struct {
	Duration time.Duration
}

func (op AdvanceTimeAndTick) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("advance_time_and_tick_%d", op.Duration.Nanoseconds()))
}

func (op AdvanceTimeAndTick) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		r.timeNs += uint64(op.Duration.Nanoseconds())
		r.executeRound()
		return ic.NoOutput()
	})
}

// Tick executes one round without advancing time.
type Tick struct{}

func (Tick) Id() ic.OpId { return "tick" }

func (Tick) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		r.executeRound()
		return ic.NoOutput()
	})
}

// GetTopology reads the replica topology.
type GetTopology struct{}

func (GetTopology) Id() ic.OpId { return "topology" }

func (GetTopology) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		topo := r.topology
		return ic.TopologyOutput(&topo)
	})
}

// CreateCanister creates an empty canister controlled by the sender (and any
// extra controllers).
type CreateCanister struct {
	Sender      ic.PrincipalID
	Controllers []ic.PrincipalID
}

func (op CreateCanister) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("create_canister_%s_%s", op.Sender, joinPrincipals(op.Controllers)))
}

func (op CreateCanister) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		id := ic.CanisterID(fmt.Sprintf("canister-%d", r.nextCanisterIdx))
		r.nextCanisterIdx++
		controllers := append([]ic.PrincipalID{op.Sender}, op.Controllers...)
		r.canisters[id] = &canister{
			controllers: controllers,
			cycles:      big.NewInt(0),
		}
		r.subnetOf[id] = r.topology.DefaultSubnet
		return ic.CanisterIDOutput(id)
	})
}

// InstallCode installs a module on a canister. Only controllers may install.
type InstallCode struct {
	Sender   ic.PrincipalID
	Canister ic.CanisterID
	Module   []byte
}

func (op InstallCode) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("install_code_%s_%x", op.Canister, payloadDigest(op.Module)))
}

func (op InstallCode) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		if !c.isController(op.Sender) {
			return ic.ErrorOutput(&ic.OpError{
				Kind:    ic.ErrForbidden,
				Message: fmt.Sprintf("%s is not a controller of %s", op.Sender, op.Canister),
			})
		}
		c.installed = true
		return ic.NoOutput()
	})
}

// DeleteCanister removes a canister. Only controllers may delete.
type DeleteCanister struct {
	Sender   ic.PrincipalID
	Canister ic.CanisterID
}

func (op DeleteCanister) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("delete_canister_%s", op.Canister))
}

func (op DeleteCanister) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		if !c.isController(op.Sender) {
			return ic.ErrorOutput(&ic.OpError{
				Kind:    ic.ErrForbidden,
				Message: fmt.Sprintf("%s is not a controller of %s", op.Sender, op.Canister),
			})
		}
		delete(r.canisters, op.Canister)
		delete(r.subnetOf, op.Canister)
		return ic.NoOutput()
	})
}

// AddCycles tops up a canister's cycle balance and returns the new balance.
type AddCycles struct {
	Canister ic.CanisterID
	Amount   uint64
}

func (op AddCycles) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("add_cycles_%s_%d", op.Canister, op.Amount))
}

func (op AddCycles) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		c.cycles = new(big.Int).Add(c.cycles, new(big.Int).SetUint64(op.Amount))
		return ic.CyclesOutput(new(big.Int).Set(c.cycles))
	})
}

// CycleBalance reads a canister's cycle balance.
type CycleBalance struct {
	Canister ic.CanisterID
}

func (op CycleBalance) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("cycle_balance_%s", op.Canister))
}

func (op CycleBalance) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		return ic.CyclesOutput(new(big.Int).Set(c.cycles))
	})
}

// GetControllers reads a canister's controller list.
type GetControllers struct {
	Canister ic.CanisterID
}

func (op GetControllers) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("get_controllers_%s", op.Canister))
}

func (op GetControllers) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		controllers := append([]ic.PrincipalID(nil), c.controllers...)
		return ic.ControllersOutput(controllers)
	})
}

// SetControllers replaces a canister's controller list. Only current
// controllers may do so.
type SetControllers struct {
	Sender      ic.PrincipalID
	Canister    ic.CanisterID
	Controllers []ic.PrincipalID
}

func (op SetControllers) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("set_controllers_%s_%s_%s", op.Canister, op.Sender, joinPrincipals(op.Controllers)))
}

func (op SetControllers) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		if !c.isController(op.Sender) {
			return ic.ErrorOutput(&ic.OpError{
				Kind:    ic.ErrForbidden,
				Message: fmt.Sprintf("%s is not a controller of %s", op.Sender, op.Canister),
			})
		}
		c.controllers = append([]ic.PrincipalID(nil), op.Controllers...)
		return ic.NoOutput()
	})
}

// GetStableMemory reads a canister's stable memory.
type GetStableMemory struct {
	Canister ic.CanisterID
}

func (op GetStableMemory) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("get_stable_memory_%s", op.Canister))
}

func (op GetStableMemory) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		if !c.installed {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterIsEmpty, CanisterID: op.Canister})
		}
		return ic.StableMemOutput(append([]byte(nil), c.stableMemory...))
	})
}

// SetStableMemory overwrites a canister's stable memory.
type SetStableMemory struct {
	Canister ic.CanisterID
	Data     []byte
}

func (op SetStableMemory) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("set_stable_memory_%s_%x", op.Canister, payloadDigest(op.Data)))
}

func (op SetStableMemory) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		c, ok := r.canisters[op.Canister]
		if !ok {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterNotFound, CanisterID: op.Canister})
		}
		if !c.installed {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrCanisterIsEmpty, CanisterID: op.Canister})
		}
		c.stableMemory = append([]byte(nil), op.Data...)
		return ic.NoOutput()
	})
}

// GetSubnetOfCanister looks up which subnet hosts a canister.
type GetSubnetOfCanister struct {
	Canister ic.CanisterID
}

func (op GetSubnetOfCanister) Id() ic.OpId {
	return ic.OpId(fmt.Sprintf("get_subnet_%s", op.Canister))
}

func (op GetSubnetOfCanister) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		subnet, ok := r.subnetOf[op.Canister]
		if !ok {
			return ic.MaybeSubnetOutput(nil)
		}
		return ic.MaybeSubnetOutput(&subnet)
	})
}

// SetBlockmaker configures the blockmaker and failed nodes for subsequent
// rounds. All nodes must exist in the topology and the blockmaker must not
// be among the failed nodes.
type SetBlockmaker struct {
	Blockmaker ic.NodeID
	Failed     []ic.NodeID
}

func (op SetBlockmaker) Id() ic.OpId {
	failed := make([]string, len(op.Failed))
	for i, n := range op.Failed {
		failed[i] = string(n)
	}
	return ic.OpId(fmt.Sprintf("set_blockmaker_%s_%s", op.Blockmaker, strings.Join(failed, ",")))
}

func (op SetBlockmaker) Compute(inst ic.Instance) ic.OpOut {
	return with(inst, func(r *Replica) ic.OpOut {
		if !r.hasNode(op.Blockmaker) {
			return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrBlockmakerNotFound, NodeID: op.Blockmaker})
		}
		for _, failed := range op.Failed {
			if !r.hasNode(failed) {
				return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrBlockmakerNotFound, NodeID: failed})
			}
			if failed == op.Blockmaker {
				return ic.ErrorOutput(&ic.OpError{Kind: ic.ErrBlockmakerContainedInFailed, NodeID: op.Blockmaker})
			}
		}
		r.blockmaker = op.Blockmaker
		r.failedNodes = append([]ic.NodeID(nil), op.Failed...)
		return ic.NoOutput()
	})
}

// StandardProgressOps is the ProgressOps implementation backed by the
// replica's standard operations.
type StandardProgressOps struct{}

func (StandardProgressOps) SetCertifiedTime(t time.Time) ic.Operation {
	return SetCertifiedTime{TimeNs: uint64(t.UnixNano())}
}

func (StandardProgressOps) AdvanceTimeAndTick(d time.Duration) ic.Operation {
	return AdvanceTimeAndTick{Duration: d}
}

func (StandardProgressOps) ProcessCanisterHttp() ic.Operation {
	return ProcessCanisterHttp{}
}

// Compile-time interface check
var _ ic.ProgressOps = StandardProgressOps{}
