// Package queue exposes the treebus client as per-format convenience
// constructors. Each constructor pre-binds one wire format to the protocol
// queue from internal/client; everything else (subscribe-on-create, Push,
// Pull, Cancel) is the shared queue behavior.
package queue

import (
	"github.com/tenzoki/treebus/internal/client"
	"github.com/tenzoki/treebus/internal/wire"
)

type (
	Queue    = client.Queue
	Role     = client.Role
	Delivery = client.Delivery
)

const (
	Consumer = client.Consumer
	Producer = client.Producer
)

// NewJSONQueue returns a queue speaking JSON on the wire.
func NewJSONQueue(addr, topic string, role Role) (*Queue, error) {
	return client.New(addr, topic, wire.FormatJSON, role)
}

// NewXMLQueue returns a queue speaking XML on the wire. Values are coerced
// to strings by that format; payloads that must keep structure belong on an
// object queue.
func NewXMLQueue(addr, topic string, role Role) (*Queue, error) {
	return client.New(addr, topic, wire.FormatXML, role)
}

// NewObjectQueue returns a queue speaking the binary object format, the only
// one that carries arbitrary nested values faithfully.
func NewObjectQueue(addr, topic string, role Role) (*Queue, error) {
	return client.New(addr, topic, wire.FormatObject, role)
}
