package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindingSet(t *testing.T) {
	assert := assert.New(t)
	set := newBindingSet()

	assert.True(set.add(binding{Source: "orders", RoutingKey: "created"}))
	assert.False(
		set.add(binding{Source: "orders", RoutingKey: "created", Args: Table{}}),
		"nil and empty args are the same binding",
	)
	assert.True(set.add(binding{Source: "orders", RoutingKey: "created", Args: Table{"x": "y"}}))
	assert.True(set.add(binding{Source: "audit", RoutingKey: "#"}))
	assert.Len(set.snapshot(), 3)

	set.remove(binding{Source: "orders", RoutingKey: "created", Args: Table{}})
	assert.Equal(
		[]binding{
			{Source: "orders", RoutingKey: "created", Args: Table{"x": "y"}},
			{Source: "audit", RoutingKey: "#"},
		},
		set.snapshot(),
		"order kept",
	)

	set.removeSource("orders")
	assert.Equal([]binding{{Source: "audit", RoutingKey: "#"}}, set.snapshot())

	set.remove(binding{Source: "missing"})
	assert.Len(set.snapshot(), 1)
}

func TestBindingSet_CopiesArgs(t *testing.T) {
	args := Table{"x-match": "all"}
	set := newBindingSet()
	set.add(binding{Source: "headers", Args: args})

	args["x-match"] = "any"
	assert.Equal(t, "all", set.snapshot()[0].Args["x-match"])
}

func TestCopyTable(t *testing.T) {
	assert.Nil(t, copyTable(nil))

	original := Table{"x-max-length": int32(10)}
	copied := copyTable(original)
	assert.Equal(t, original, copied)

	copied["x-max-length"] = int32(20)
	assert.Equal(t, int32(10), original["x-max-length"])
}
