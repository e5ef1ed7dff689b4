package amqp

import (
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// binding is a single queue or exchange binding to a source exchange.
type binding struct {
	Source     string
	RoutingKey string
	Args       Table
}

// bindingSet holds the bindings of one queue or exchange in the order they were
// made. A binding is held at most once.
type bindingSet struct {
	lock     sync.Mutex
	bindings []binding
}

func newBindingSet() *bindingSet {
	return new(bindingSet)
}

// nil and empty argument tables bind the same way on the broker.
var bindingComparer = cmpopts.EquateEmpty()

func (set *bindingSet) indexOf(target binding) int {
	for i, existing := range set.bindings {
		if cmp.Equal(existing, target, bindingComparer) {
			return i
		}
	}
	return -1
}

// add returns false if the binding was already in the set.
func (set *bindingSet) add(target binding) bool {
	set.lock.Lock()
	defer set.lock.Unlock()

	if set.indexOf(target) >= 0 {
		return false
	}
	target.Args = copyTable(target.Args)
	set.bindings = append(set.bindings, target)
	return true
}

func (set *bindingSet) remove(target binding) {
	set.lock.Lock()
	defer set.lock.Unlock()

	if i := set.indexOf(target); i >= 0 {
		set.bindings = append(set.bindings[:i], set.bindings[i+1:]...)
	}
}

// removeSource drops every binding to the source exchange.
func (set *bindingSet) removeSource(source string) {
	set.lock.Lock()
	defer set.lock.Unlock()

	kept := set.bindings[:0]
	for _, existing := range set.bindings {
		if existing.Source != source {
			kept = append(kept, existing)
		}
	}
	set.bindings = kept
}

func (set *bindingSet) snapshot() []binding {
	set.lock.Lock()
	defer set.lock.Unlock()

	bindings := make([]binding, len(set.bindings))
	copy(bindings, set.bindings)
	return bindings
}

// The channel registry. Exchanges and queues are keyed by name, consumers by tag.
// Snapshots are taken before replay so entries re-keyed during recovery are not
// visited twice.

func (channel *Channel) lookupExchange(name string) (*Exchange, bool) {
	value, ok := channel.exchanges.Load(name)
	if !ok {
		return nil, false
	}
	return value.(*Exchange), true
}

// registerExchange returns the already registered exchange if there is one.
func (channel *Channel) registerExchange(exchange *Exchange) *Exchange {
	value, _ := channel.exchanges.LoadOrStore(exchange.name, exchange)
	return value.(*Exchange)
}

// deregisterExchange forgets the exchange and every binding to it.
func (channel *Channel) deregisterExchange(name string) {
	channel.exchanges.Delete(name)

	for _, queue := range channel.queueSnapshot() {
		queue.bindings.removeSource(name)
	}
	for _, exchange := range channel.exchangeSnapshot() {
		exchange.bindings.removeSource(name)
	}
	for _, exchange := range channel.predefinedExchangeSnapshot() {
		exchange.bindings.removeSource(name)
	}
}

// trackPredefinedExchange keeps one value per predefined exchange so the bindings
// made with it as the destination are replayed. Predefined exchanges themselves are
// never declared.
func (channel *Channel) trackPredefinedExchange(exchange *Exchange) *Exchange {
	value, _ := channel.predefinedExchanges.LoadOrStore(exchange.name, exchange)
	return value.(*Exchange)
}

func (channel *Channel) predefinedExchangeSnapshot() []*Exchange {
	var exchanges []*Exchange
	channel.predefinedExchanges.Range(func(_, value interface{}) bool {
		exchanges = append(exchanges, value.(*Exchange))
		return true
	})
	sort.Slice(exchanges, func(i, j int) bool {
		return exchanges[i].declaredAt < exchanges[j].declaredAt
	})
	return exchanges
}

func (channel *Channel) exchangeSnapshot() []*Exchange {
	var exchanges []*Exchange
	channel.exchanges.Range(func(_, value interface{}) bool {
		exchanges = append(exchanges, value.(*Exchange))
		return true
	})
	sort.Slice(exchanges, func(i, j int) bool {
		return exchanges[i].declaredAt < exchanges[j].declaredAt
	})
	return exchanges
}

func (channel *Channel) lookupQueue(name string) (*Queue, bool) {
	value, ok := channel.queues.Load(name)
	if !ok {
		return nil, false
	}
	return value.(*Queue), true
}

// registerQueue returns the already registered queue if there is one.
func (channel *Channel) registerQueue(queue *Queue) *Queue {
	value, _ := channel.queues.LoadOrStore(queue.Name(), queue)
	return value.(*Queue)
}

func (channel *Channel) deregisterQueue(name string) {
	channel.queues.Delete(name)
}

// renameQueue re-keys a server-named queue and points its consumers at the new name.
func (channel *Channel) renameQueue(queue *Queue, oldName, newName string) {
	queue.name.Store(newName)
	channel.queues.Delete(oldName)
	channel.queues.Store(newName, queue)

	for _, consumer := range channel.consumerSnapshot() {
		consumer.queueName.CompareAndSwap(oldName, newName)
	}
}

func (channel *Channel) queueSnapshot() []*Queue {
	var queues []*Queue
	channel.queues.Range(func(_, value interface{}) bool {
		queues = append(queues, value.(*Queue))
		return true
	})
	sort.Slice(queues, func(i, j int) bool {
		return queues[i].declaredAt < queues[j].declaredAt
	})
	return queues
}

func (channel *Channel) registerConsumer(tag string, consumer *Consumer) {
	channel.consumers.Store(tag, consumer)
}

func (channel *Channel) deregisterConsumer(tag string) {
	channel.consumers.Delete(tag)
}

func (channel *Channel) lookupConsumer(tag string) (*Consumer, bool) {
	value, ok := channel.consumers.Load(tag)
	if !ok {
		return nil, false
	}
	return value.(*Consumer), true
}

func (channel *Channel) consumerSnapshot() []*Consumer {
	var consumers []*Consumer
	channel.consumers.Range(func(_, value interface{}) bool {
		consumers = append(consumers, value.(*Consumer))
		return true
	})
	sort.Slice(consumers, func(i, j int) bool {
		return consumers[i].createdAt < consumers[j].createdAt
	})
	return consumers
}
