package amqp

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// confirmTracker counts publishes and publisher confirms of one channel. Counts are
// kept per epoch: when the transport channel is lost the outstanding publishes are
// settled as nacked and confirms still arriving for it are ignored.
type confirmTracker struct {
	lock    sync.Mutex
	enabled bool

	epoch     uint64
	published uint64
	settled   uint64
	// nacked is set when any publish since the last wait was nacked or lost.
	nacked bool

	// changed is closed and replaced on every update.
	changed chan struct{}
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{changed: make(chan struct{})}
}

// broadcastLocked must be called with lock held.
func (tracker *confirmTracker) broadcastLocked() {
	close(tracker.changed)
	tracker.changed = make(chan struct{})
}

// enable turns confirm mode on and returns the epoch confirms should be reported for.
func (tracker *confirmTracker) enable() uint64 {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	tracker.enabled = true
	return tracker.epoch
}

func (tracker *confirmTracker) isEnabled() bool {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	return tracker.enabled
}

func (tracker *confirmTracker) recordPublish() {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if tracker.enabled {
		tracker.published++
	}
}

func (tracker *confirmTracker) confirm(epoch uint64, ack bool) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if epoch != tracker.epoch {
		return
	}

	tracker.settled++
	if !ack {
		tracker.nacked = true
	}
	tracker.broadcastLocked()
}

// abandon settles every outstanding publish as nacked and starts a new epoch.
func (tracker *confirmTracker) abandon() {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()

	if tracker.settled < tracker.published {
		tracker.nacked = true
	}
	tracker.published = 0
	tracker.settled = 0
	tracker.epoch++
	tracker.broadcastLocked()
}

func (tracker *confirmTracker) wait(timers clock.Clock, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := timers.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}

	tracker.lock.Lock()
	if !tracker.enabled {
		tracker.lock.Unlock()
		return false, ErrNotInConfirmMode
	}

	epoch := tracker.epoch
	target := tracker.published
	for tracker.epoch == epoch && tracker.settled < target {
		changed := tracker.changed
		tracker.lock.Unlock()

		select {
		case <-changed:
		case <-expired:
			return false, ErrConfirmTimeout
		}

		tracker.lock.Lock()
	}

	allAcked := !tracker.nacked
	tracker.nacked = false
	tracker.lock.Unlock()

	return allAcked, nil
}
