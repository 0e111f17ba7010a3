// Package client provides the client side of the treebus protocol: a queue
// bound to one topic and one wire format over a TCP connection to the
// broker.
//
// A consumer queue subscribes on creation and blocks in Pull for
// deliveries; a producer queue publishes with Push. Every outbound frame
// carries the queue's format tag; broker replies arrive untagged and are
// decoded with the same format.
package client

import (
	"fmt"
	"net"

	"github.com/tenzoki/treebus/internal/wire"
)

// Role selects how a queue uses its topic.
type Role int

const (
	Consumer Role = iota // subscribes on creation, pulls deliveries
	Producer             // pushes publications
)

// Delivery is one frame received from the broker: either a published value
// (SEND) or a topic listing (REP_TOPICS).
type Delivery struct {
	Method string   // wire.MethodSend or wire.MethodTopicsReply
	Topic  string   // the queue's topic (SEND)
	Data   any      // published value (SEND)
	Topics []string // retained topic paths (REP_TOPICS)
}

// Queue is a connection to the broker bound to a single topic and format.
// It is not safe for concurrent use; one goroutine owns the queue.
type Queue struct {
	topic  string
	format wire.Format
	codec  wire.Codec
	conn   net.Conn
}

// New dials the broker and returns a queue for topic in the given format.
// A consumer immediately sends its SUBSCRIBE frame.
func New(addr, topic string, format wire.Format, role Role) (*Queue, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", addr, err)
	}

	q := &Queue{
		topic:  topic,
		format: format,
		codec:  wire.NewCodec(format),
		conn:   conn,
	}

	if role == Consumer {
		if err := q.send(wire.Subscribe(topic)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return q, nil
}

// Topic returns the topic the queue is bound to.
func (q *Queue) Topic() string {
	return q.topic
}

// Push publishes value to the queue's topic.
func (q *Queue) Push(value any) error {
	return q.send(wire.Publicate(q.topic, value))
}

// RequestTopics asks the broker for all retained topics. The reply arrives
// through Pull as a REP_TOPICS delivery.
func (q *Queue) RequestTopics() error {
	return q.send(wire.TopicsRequest())
}

// Pull blocks until one frame arrives from the broker and returns it.
func (q *Queue) Pull() (*Delivery, error) {
	payload, err := wire.ReadFrame(q.conn)
	if err != nil {
		return nil, err
	}
	rec, err := q.codec.Unmarshal(payload)
	if err != nil {
		return nil, err
	}

	method, ok := rec.Method()
	if !ok {
		return nil, wire.ErrMissingMethod
	}
	switch method {
	case wire.MethodSend:
		return &Delivery{Method: method, Topic: q.topic, Data: rec["data"]}, nil
	case wire.MethodTopicsReply:
		topics, ok := rec.Topics()
		if !ok {
			return nil, fmt.Errorf("%w: bad lst field", wire.ErrBadPayload)
		}
		return &Delivery{Method: method, Topics: topics}, nil
	default:
		return nil, fmt.Errorf("unexpected method from broker: %q", method)
	}
}

// Cancel unsubscribes from the topic and closes the connection. The broker
// closes its side on UNSUBSCRIBE as well.
func (q *Queue) Cancel() error {
	if err := q.send(wire.Unsubscribe(q.topic)); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Close closes the connection without unsubscribing; the broker cleans the
// subscription up when it sees EOF.
func (q *Queue) Close() error {
	return q.conn.Close()
}

// send encodes rec with the queue's codec and writes one format-tagged
// frame.
func (q *Queue) send(rec wire.Record) error {
	payload, err := q.codec.Marshal(rec)
	if err != nil {
		return err
	}
	return wire.WriteTagged(q.conn, q.format, payload)
}
