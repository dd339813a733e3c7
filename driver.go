package ic

import (
	"time"

	"github.com/SimulatedWorld/ic/internal/constants"
)

// progressDriver is the per-instance background task driving auto-progress
// mode. Cancellation is a first-class protocol: a 1-slot signalling channel
// checked before each retry, during every polling sleep and between steps.
type progressDriver struct {
	cancel chan struct{}
	done   chan struct{}
}

// receivedStopSignal reports whether a cancel signal is pending, without
// blocking.
func receivedStopSignal(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// sleepOrStop sleeps for d, returning early with true if a cancel signal
// arrives.
func sleepOrStop(cancel <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-cancel:
		return true
	case <-timer.C:
		return false
	}
}

// AutoProgress starts a background driver that advances simulated time and
// processes pending asynchronous work on the instance until stopped.
// artificialDelay pads the delay between rounds; it is clamped from below to
// MinOperationDelay. Enabling twice fails.
func (o *Orchestrator) AutoProgress(id InstanceID, artificialDelay time.Duration) error {
	if o.progressOps == nil {
		return NewInstanceError("auto_progress", id, CodeNotConfigured)
	}

	o.instancesMu.RLock()
	if id < 0 || id >= len(o.slots) {
		o.instancesMu.RUnlock()
		return NewInstanceError("auto_progress", id, CodeInstanceNotFound)
	}
	slot := o.slots[id]
	slot.mu.Lock()
	defer func() {
		slot.mu.Unlock()
		o.instancesMu.RUnlock()
	}()

	if slot.progress != nil {
		return NewInstanceError("auto_progress", id, CodeAlreadyEnabled)
	}

	driver := &progressDriver{
		cancel: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	slot.progress = driver
	go o.progressLoop(id, artificialDelay, driver)
	return nil
}

// progressLoop is the driver body. It first certifies the current time, then
// repeatedly advances time, processes pending canister HTTP work and sleeps,
// exiting as soon as a stop signal is observed.
func (o *Orchestrator) progressLoop(id InstanceID, artificialDelay time.Duration, driver *progressDriver) {
	defer close(driver.done)
	log := o.logger.With("instance", id)

	now := time.Now()
	if _, ok := o.executeOperation(id, o.progressOps.SetCertifiedTime(now), driver.cancel); !ok {
		return
	}
	log.Debug("starting auto progress")
	defer log.Debug("stopping auto progress")

	for {
		prev := now
		now = time.Now()
		if _, ok := o.executeOperation(id, o.progressOps.AdvanceTimeAndTick(now.Sub(prev)), driver.cancel); !ok {
			return
		}
		if _, ok := o.executeOperation(id, o.progressOps.ProcessCanisterHttp(), driver.cancel); !ok {
			return
		}
		o.observer.ObserveDriverRound()

		delay := artificialDelay
		if delay < constants.MinOperationDelay {
			delay = constants.MinOperationDelay
		}
		if sleepOrStop(driver.cancel, delay) {
			return
		}
	}
}

// executeOperation runs op against the instance to completion on behalf of
// the driver, retrying while the instance is busy and polling the graph while
// the operation runs asynchronously. It returns ok=false once a stop signal
// is observed or the instance goes away. Failures never crash the driver.
func (o *Orchestrator) executeOperation(id InstanceID, op Operation, cancel <-chan struct{}) (OpOut, bool) {
	for {
		reply, err := o.UpdateWithTimeout(op, id, constants.AutoProgressOperationTimeout)
		if err != nil {
			// The instance cannot normally disappear under a running driver:
			// drivers are stopped before deletion. Log and bow out.
			o.logger.With("instance", id, "op", op.Id()).Error("auto progress dispatch failed", "error", err)
			return OpOut{}, false
		}
		switch r := reply.(type) {
		case Output:
			return r.Out, true
		case Started:
			for {
				if sleepOrStop(cancel, constants.ReadGraphDelay) {
					return OpOut{}, false
				}
				if _, out, ok := o.ReadGraph(r.StateLabel, r.OpID); ok {
					return out, true
				}
			}
		case Busy:
			// Another caller got there first; retry from the top.
		}
		if receivedStopSignal(cancel) {
			return OpOut{}, false
		}
	}
}

// GetAutoProgress reports whether auto-progress mode is enabled for the
// instance.
func (o *Orchestrator) GetAutoProgress(id InstanceID) bool {
	slot := o.slot(id)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.progress != nil
}

// StopProgress disables auto-progress mode. It takes the driver out of the
// slot, releases the instance locks to avoid deadlock, then signals the
// driver and awaits its exit. Stopping an instance without a driver is a
// no-op.
func (o *Orchestrator) StopProgress(id InstanceID) {
	slot := o.slot(id)
	if slot == nil {
		return
	}
	slot.mu.Lock()
	driver := slot.progress
	slot.progress = nil
	slot.mu.Unlock()

	if driver == nil {
		return
	}
	driver.cancel <- struct{}{}
	<-driver.done
}
