// Package ic implements a deterministic, replayable simulation-instance
// orchestrator: it hosts many independent simulated replica-network
// instances, executes operations against them serially per instance and in
// parallel across instances, and records every completed operation in a
// keyed computation graph so results can be awaited synchronously or polled.
package ic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SimulatedWorld/ic/internal/constants"
	"github.com/SimulatedWorld/ic/internal/logging"
)

// UpdateReply is the result of dispatching an operation against an instance.
//
// If the instance is already busy with another operation, Busy carries that
// operation's initial state and id. If the computation finished within the
// sync wait time, Output carries the result directly. Otherwise Started
// carries the handle (state label, op id) the client polls via ReadGraph.
type UpdateReply interface {
	isUpdateReply()

	// InProgress returns the (state label, op id) handle if the reply
	// indicates an in-flight computation.
	InProgress() (StateLabel, OpId, bool)
}

// Busy means the requested instance is executing another update.
type Busy struct {
	StateLabel StateLabel
	OpID       OpId
}

// Started means the requested instance is executing this update and the
// caller should poll the graph for the result.
type Started struct {
	StateLabel StateLabel
	OpID       OpId
}

// Output carries the result of an update that completed synchronously.
type Output struct {
	Out OpOut
}

func (Busy) isUpdateReply()    {}
func (Started) isUpdateReply() {}
func (Output) isUpdateReply()  {}

func (r Busy) InProgress() (StateLabel, OpId, bool)    { return r.StateLabel, r.OpID, true }
func (r Started) InProgress() (StateLabel, OpId, bool) { return r.StateLabel, r.OpID, true }
func (Output) InProgress() (StateLabel, OpId, bool)    { return StateLabel{}, "", false }

// ProgressOps constructs the operations issued by the auto-progress driver.
// The orchestrator does not implement operations itself; implementations live
// with the instance type (see the replica package).
type ProgressOps interface {
	SetCertifiedTime(t time.Time) Operation
	AdvanceTimeAndTick(d time.Duration) Operation
	ProcessCanisterHttp() Operation
}

// Orchestrator hosts many independent simulated instances, dispatches
// operations against them serially per instance and in parallel across
// instances, and records every completed operation in the computation graph.
type Orchestrator struct {
	// instancesMu guards the slots slice itself (append on AddInstance).
	// Lock order: instancesMu before any slot mutex, and instancesMu before
	// the graph lock. A slot mutex and the graph lock are never held at the
	// same time.
	instancesMu sync.RWMutex
	slots       []*instanceSlot

	graph *computationGraph
	seed  atomic.Uint64

	syncWaitTime time.Duration
	port         uint16

	// computeSem bounds the blocking compute pool. Acquisition queues when
	// the pool is saturated, which is the desired behaviour.
	computeSem *semaphore.Weighted

	progressOps ProgressOps

	gatewaysMu sync.RWMutex
	gateways   []*gatewayEntry

	logger   *logging.Logger
	observer Observer
}

// Builder assembles an Orchestrator.
type Builder struct {
	initial      []Instance
	syncWaitTime time.Duration
	port         uint16
	workers      int64
	progressOps  ProgressOps
	logger       *logging.Logger
	observer     Observer
}

// NewBuilder returns a Builder with defaults applied.
func NewBuilder() *Builder {
	return &Builder{
		syncWaitTime: constants.DefaultSyncWaitDuration,
		workers:      constants.DefaultComputeWorkers,
	}
}

// WithSyncWaitTime sets how long a dispatch waits for a computation to finish
// synchronously before handing back a Started reply.
func (b *Builder) WithSyncWaitTime(d time.Duration) *Builder {
	b.syncWaitTime = d
	return b
}

// WithPort records the orchestrator's own HTTP port, used when a gateway
// forwards to a local instance.
func (b *Builder) WithPort(port uint16) *Builder {
	b.port = port
	return b
}

// WithComputeWorkers bounds the blocking compute pool.
func (b *Builder) WithComputeWorkers(n int) *Builder {
	if n > 0 {
		b.workers = int64(n)
	}
	return b
}

// WithProgressOps installs the operation factory used by auto-progress mode.
func (b *Builder) WithProgressOps(ops ProgressOps) *Builder {
	b.progressOps = ops
	return b
}

// WithLogger sets the logger. Defaults to the package default logger.
func (b *Builder) WithLogger(l *logging.Logger) *Builder {
	b.logger = l
	return b
}

// WithObserver installs a metrics observer.
func (b *Builder) WithObserver(o Observer) *Builder {
	b.observer = o
	return b
}

// AddInitialInstance makes the given instance available in the initial state.
func (b *Builder) AddInitialInstance(inst Instance) *Builder {
	b.initial = append(b.initial, inst)
	return b
}

// Build assembles the orchestrator.
func (b *Builder) Build() *Orchestrator {
	logger := b.logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := b.observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	o := &Orchestrator{
		graph:        newComputationGraph(),
		syncWaitTime: b.syncWaitTime,
		port:         b.port,
		computeSem:   semaphore.NewWeighted(b.workers),
		progressOps:  b.progressOps,
		logger:       logger,
		observer:     observer,
	}
	for _, inst := range b.initial {
		o.graph.seed(inst.StateLabel())
		o.slots = append(o.slots, newAvailableSlot(inst))
		o.observer.ObserveInstanceAdded()
	}
	return o
}

// AddInstance allocates a fresh seed, constructs the instance off any lock
// (construction may be expensive) and appends a new Available slot. It
// returns the new instance id and the instance's externally visible topology.
func (o *Orchestrator) AddInstance(factory func(seed uint64) (Instance, error)) (InstanceID, Topology, error) {
	seed := o.seed.Add(1) - 1
	inst, err := factory(seed)
	if err != nil {
		return 0, Topology{}, WrapError("add_instance", CodeInstanceCreation, err)
	}
	topology := inst.Topology()

	o.instancesMu.Lock()
	id := len(o.slots)
	o.slots = append(o.slots, newAvailableSlot(inst))
	o.instancesMu.Unlock()

	o.observer.ObserveInstanceAdded()
	o.logger.Debug("instance added", "instance", id, "label", inst.StateLabel().String())
	return id, topology, nil
}

// slot returns the slot for id, or nil if the id was never allocated. Slots
// are append-only, so the returned pointer stays valid after the lock is
// released.
func (o *Orchestrator) slot(id InstanceID) *instanceSlot {
	o.instancesMu.RLock()
	defer o.instancesMu.RUnlock()
	if id < 0 || id >= len(o.slots) {
		return nil
	}
	return o.slots[id]
}

// Update dispatches op against the given instance with the default sync wait
// time.
//
// Operations are not queued: if the instance is busy with an existing
// operation the caller gets a Busy reply and has to retry.
func (o *Orchestrator) Update(op Operation, id InstanceID) (UpdateReply, error) {
	return o.UpdateWithTimeout(op, id, o.syncWaitTime)
}

// UpdateWithTimeout is Update with an explicit sync wait time. This is useful
// when clients want to enforce a long-running blocking call.
func (o *Orchestrator) UpdateWithTimeout(op Operation, id InstanceID, syncWaitTime time.Duration) (UpdateReply, error) {
	opID := op.Id()
	o.observer.ObserveDispatch()
	log := o.logger.With("instance", id, "op", opID)
	log.Debug("update start")

	o.instancesMu.RLock()
	if id < 0 || id >= len(o.slots) {
		o.instancesMu.RUnlock()
		return nil, NewInstanceError("update", id, CodeInstanceNotFound)
	}
	slot := o.slots[id]

	slot.mu.Lock()
	switch slot.kind {
	case stateDeleted:
		slot.mu.Unlock()
		o.instancesMu.RUnlock()
		return nil, NewInstanceError("update", id, CodeInstanceDeleted)
	case stateBusy:
		reply := Busy{StateLabel: slot.busyLabel, OpID: slot.busyOp}
		slot.mu.Unlock()
		o.instancesMu.RUnlock()
		o.observer.ObserveBusy()
		return reply, nil
	}

	// Available: move the instance out and mark the slot busy.
	inst := slot.inst
	label := inst.StateLabel()
	slot.inst = nil
	slot.kind = stateBusy
	slot.busyLabel = label
	slot.busyOp = opID
	slot.mu.Unlock()
	o.instancesMu.RUnlock()

	done := make(chan OpOut, 1)
	go o.compute(slot, id, inst, op, label, opID, done)

	timer := time.NewTimer(syncWaitTime)
	defer timer.Stop()
	select {
	case out := <-done:
		log.Debug("update synchronous")
		o.observer.ObserveOutput()
		return Output{Out: out}, nil
	case <-timer.C:
		log.Debug("update timeout")
		o.observer.ObserveStarted()
		return Started{StateLabel: label, OpID: opID}, nil
	}
}

// compute runs the operation on a blocking worker, records the transition in
// the graph and returns the instance to its slot. A timed-out dispatch never
// cancels it: the worker always runs to completion so the graph is populated
// and the slot returns to Available.
//
// If the operation panics, the panic is logged and the slot is intentionally
// left Busy: all subsequent dispatches for that instance report Busy
// indefinitely.
func (o *Orchestrator) compute(slot *instanceSlot, id InstanceID, inst Instance, op Operation, label StateLabel, opID OpId, done chan<- OpOut) {
	// Queue for a worker. The pool is bounded; saturation queues the task.
	if err := o.computeSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer o.computeSem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			o.logger.With("instance", id, "op", opID).Error("operation panicked; slot left busy", "panic", r)
		}
	}()

	start := time.Now()
	out := op.Compute(inst)
	inst.BumpStateLabel()
	newLabel := inst.StateLabel()
	o.observer.ObserveCompute(uint64(time.Since(start).Nanoseconds()), out.IsError())

	// Record the edge, then return the instance. The instances lock is taken
	// before the graph lock; the slot mutex is only taken after the graph
	// lock is released.
	o.instancesMu.RLock()
	o.graph.record(label, opID, newLabel, out)
	slot.mu.Lock()
	if slot.kind == stateDeleted {
		// Deletion waits for Available, so this must not happen.
		o.logger.Error("instance deleted immediately after an operation; this is a bug", "instance", id)
	} else {
		slot.kind = stateAvailable
		slot.inst = inst
		slot.busyLabel = StateLabel{}
		slot.busyOp = ""
	}
	slot.mu.Unlock()
	o.instancesMu.RUnlock()

	done <- out
}

// ReadGraph returns the cached edge for (label, op), if any. This is the
// polling path for clients that received a Started reply. The graph is
// monotone: a successful read stays valid forever.
func (o *Orchestrator) ReadGraph(label StateLabel, op OpId) (StateLabel, OpOut, bool) {
	newLabel, out, ok := o.graph.lookup(label, op)
	o.observer.ObserveGraphPoll(ok)
	return newLabel, out, ok
}

// DeleteInstance stops the instance's progress driver, then waits for the
// slot to become Available and marks it Deleted. The slot itself is never
// removed, so instance ids stay stable.
func (o *Orchestrator) DeleteInstance(id InstanceID) error {
	if o.slot(id) == nil {
		return NewInstanceError("delete_instance", id, CodeInstanceNotFound)
	}
	o.StopProgress(id)
	for {
		o.instancesMu.RLock()
		slot := o.slots[id]
		slot.mu.Lock()
		switch slot.kind {
		case stateAvailable:
			slot.kind = stateDeleted
			slot.inst = nil
			slot.mu.Unlock()
			o.instancesMu.RUnlock()
			o.observer.ObserveInstanceDeleted()
			o.logger.Debug("instance deleted", "instance", id)
			return nil
		case stateDeleted:
			slot.mu.Unlock()
			o.instancesMu.RUnlock()
			return nil
		}
		// Busy: release the locks and retry after a delay.
		slot.mu.Unlock()
		o.instancesMu.RUnlock()
		time.Sleep(constants.DeleteRetryDelay)
	}
}

// DeleteAllInstances fans out one delete per slot and awaits all of them.
func (o *Orchestrator) DeleteAllInstances() {
	o.instancesMu.RLock()
	n := len(o.slots)
	o.instancesMu.RUnlock()

	var g errgroup.Group
	for id := 0; id < n; id++ {
		id := id
		g.Go(func() error {
			return o.DeleteInstance(id)
		})
	}
	_ = g.Wait()
}

// ListInstanceStates renders the state of every slot.
func (o *Orchestrator) ListInstanceStates() []string {
	o.instancesMu.RLock()
	defer o.instancesMu.RUnlock()
	res := make([]string, 0, len(o.slots))
	for _, slot := range o.slots {
		slot.mu.Lock()
		res = append(res, slot.describe())
		slot.mu.Unlock()
	}
	return res
}

// NumInstances returns the number of slots ever allocated, including deleted
// ones.
func (o *Orchestrator) NumInstances() int {
	o.instancesMu.RLock()
	defer o.instancesMu.RUnlock()
	return len(o.slots)
}

// Port returns the orchestrator's own HTTP port (0 if unset).
func (o *Orchestrator) Port() uint16 { return o.port }
