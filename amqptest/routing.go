package amqptest

import (
	"strings"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
)

// binding routes from the exchange holding it to a queue or another exchange.
type binding struct {
	destination string
	toExchange  bool
	key         string
	args        amqptransport.Table
}

func (bound binding) matches(kind, routingKey string, headers amqptransport.Table) bool {
	switch kind {
	case "fanout":
		return true
	case "topic":
		return topicMatch(strings.Split(bound.key, "."), strings.Split(routingKey, "."))
	case "headers":
		return headersMatch(bound.args, headers)
	default:
		return bound.key == routingKey
	}
}

// topicMatch matches routing key words against a binding pattern where "*" stands
// for exactly one word and "#" for zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for skip := 0; skip <= len(words); skip++ {
			if topicMatch(pattern[1:], words[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// headersMatch implements the x-match "all" (default) and "any" modes. Binding
// arguments starting with "x-" are not matched.
func headersMatch(bindArgs, headers amqptransport.Table) bool {
	matchAny := bindArgs["x-match"] == "any"

	matched := 0
	required := 0
	for key, value := range bindArgs {
		if strings.HasPrefix(key, "x-") {
			continue
		}
		required++

		if headerValue, ok := headers[key]; ok && headerValue == value {
			matched++
			if matchAny {
				return true
			}
		}
	}

	if matchAny {
		return required == 0
	}
	return matched == required
}

// route returns the names of the queues a message published to exchangeName with
// routingKey reaches. Must be called with the broker lock held.
func (broker *Broker) route(
	exchangeName, routingKey string, headers amqptransport.Table,
) []string {
	if exchangeName == "" {
		if _, ok := broker.queues[routingKey]; ok {
			return []string{routingKey}
		}
		return nil
	}

	var queues []string
	seenQueues := map[string]struct{}{}
	seenExchanges := map[string]struct{}{}

	var visit func(name string)
	visit = func(name string) {
		if _, seen := seenExchanges[name]; seen {
			return
		}
		seenExchanges[name] = struct{}{}

		exchange, ok := broker.exchanges[name]
		if !ok {
			return
		}

		for _, bound := range exchange.bindings {
			if !bound.matches(exchange.kind, routingKey, headers) {
				continue
			}
			if bound.toExchange {
				visit(bound.destination)
				continue
			}
			if _, seen := seenQueues[bound.destination]; !seen {
				seenQueues[bound.destination] = struct{}{}
				queues = append(queues, bound.destination)
			}
		}
	}

	visit(exchangeName)
	return queues
}
