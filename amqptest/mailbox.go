package amqptest

import "sync"

// mailbox runs queued events one at a time on its own goroutine. Broker code pushes
// events while holding the broker lock and never waits on the client.
type mailbox struct {
	lock   sync.Mutex
	cond   *sync.Cond
	events []func()
	closed bool
}

func newMailbox() *mailbox {
	box := new(mailbox)
	box.cond = sync.NewCond(&box.lock)
	go box.run()
	return box
}

// push queues event. Returns false once the mailbox is closed.
func (box *mailbox) push(event func()) bool {
	box.lock.Lock()
	defer box.lock.Unlock()

	if box.closed {
		return false
	}
	box.events = append(box.events, event)
	box.cond.Signal()
	return true
}

// close stops the mailbox once the queued events have run.
func (box *mailbox) close() {
	box.lock.Lock()
	defer box.lock.Unlock()

	box.closed = true
	box.cond.Signal()
}

// discard drops queued events and stops the mailbox.
func (box *mailbox) discard() {
	box.lock.Lock()
	defer box.lock.Unlock()

	box.events = nil
	box.closed = true
	box.cond.Signal()
}

func (box *mailbox) next() (func(), bool) {
	box.lock.Lock()
	defer box.lock.Unlock()

	for len(box.events) == 0 && !box.closed {
		box.cond.Wait()
	}
	if len(box.events) == 0 {
		return nil, false
	}

	event := box.events[0]
	box.events[0] = nil
	box.events = box.events[1:]
	return event, true
}

func (box *mailbox) run() {
	for {
		event, ok := box.next()
		if !ok {
			return
		}
		event()
	}
}
