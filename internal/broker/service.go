// Package broker implements the treebus message broker: a TCP service that
// retains the last value published to each topic and fans publications out
// to the subscribers of the published topic and of every ancestor topic.
//
// Key Features:
// - Hierarchical topics with per-node retention and visibility
// - Ancestor fan-out: a publish reaches subscribers of every prefix topic
// - Retained-value delivery to new subscribers
// - Per-subscriber wire formats (JSON / XML / binary object) with at most
//   one encoding per format per publish
// - Single-owner reactor loop; no locks on broker state
//
// The service accepts framed, format-tagged records from clients and
// dispatches on their method field: SUBSCRIBE, PUBLICATE, UNSUBSCRIBE and
// REQ_TOPICS inbound; SEND and REP_TOPICS outbound.
package broker

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/google/uuid"

	"github.com/tenzoki/treebus/internal/topic"
	"github.com/tenzoki/treebus/internal/wire"
)

// Config holds the broker's network settings.
type Config struct {
	Addr  string // TCP listen address (e.g., "localhost:5000")
	Debug bool   // Enable debug logging
}

// Service is the broker. All mutable state (the topic tree and the
// connection registry) is owned by the run loop in Serve; per-connection
// reader goroutines feed it decoded frames over the event channel and never
// touch shared state themselves. That single ownership is what makes the
// tree lock-free and serializes every connection's write side.
type Service struct {
	addr  string
	debug bool

	listener net.Listener

	tree  *topic.Tree            // topic hierarchy, loop-owned
	conns map[string]*connection // connection registry, loop-owned

	events chan event
}

// connection is one accepted client. The format is recorded at the first
// frame and used for direct replies; deliveries use the format stored with
// each subscription instead.
type connection struct {
	id        string
	conn      net.Conn
	format    wire.Format
	hasFormat bool
}

type eventKind int

const (
	evJoin eventKind = iota
	evFrame
	evLeave
)

// event is one unit of work for the run loop: a connection arriving, a
// decoded inbound frame, or a connection going away (EOF, read error, or
// protocol error detected while decoding).
type event struct {
	kind   eventKind
	conn   *connection
	format wire.Format // frame's format tag (evFrame)
	rec    wire.Record // decoded record (evFrame)
	err    error       // cause (evLeave)
}

// NewService creates a broker service for the given configuration. The
// default address is localhost:5000.
func NewService(cfg Config) *Service {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:5000"
	}
	return &Service{
		addr:   addr,
		debug:  cfg.Debug,
		tree:   topic.NewTree(),
		conns:  make(map[string]*connection),
		events: make(chan event, 64),
	}
}

// Listen binds the broker's TCP listener. Separate from Serve so callers can
// learn the bound address (Addr) before the loop runs.
func (s *Service) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	if s.debug {
		log.Printf("Broker: listening on %s", listener.Addr())
	}
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and runs the broker until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop and the state-owning run loop until ctx is
// cancelled. In-flight frame handling completes before shutdown; afterwards
// every connection is closed.
func (s *Service) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("broker: Serve called before Listen")
	}

	go s.acceptLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// acceptLoop accepts client connections, registers each with the run loop,
// and starts its reader goroutine.
func (s *Service) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return // listener closed by shutdown
			}
			log.Printf("Broker: accept error: %v", err)
			continue
		}

		c := &connection{
			id:   uuid.NewString(),
			conn: conn,
		}
		if !s.post(ctx, event{kind: evJoin, conn: c}) {
			conn.Close()
			return
		}
		go s.readLoop(ctx, c)
	}
}

// readLoop reads framed records off one connection and forwards them to the
// run loop. Any read, framing, or decode failure ends the connection: frames
// must arrive whole, so a stream that stops mid-frame is a protocol error,
// not something to resume.
func (s *Service) readLoop(ctx context.Context, c *connection) {
	for {
		format, payload, err := wire.ReadTagged(c.conn)
		if err != nil {
			s.post(ctx, event{kind: evLeave, conn: c, err: err})
			return
		}

		rec, err := wire.NewCodec(format).Unmarshal(payload)
		if err != nil {
			s.post(ctx, event{kind: evLeave, conn: c, err: err})
			return
		}

		if !s.post(ctx, event{kind: evFrame, conn: c, format: format, rec: rec}) {
			return
		}
	}
}

// post delivers an event to the run loop unless shutdown has begun.
func (s *Service) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle processes one event on the run loop.
func (s *Service) handle(ev event) {
	switch ev.kind {
	case evJoin:
		s.conns[ev.conn.id] = ev.conn
		if s.debug {
			log.Printf("Broker: new connection %s", ev.conn.id)
		}
	case evLeave:
		s.drop(ev.conn, ev.err)
	case evFrame:
		if _, ok := s.conns[ev.conn.id]; !ok {
			return // already evicted
		}
		if !ev.conn.hasFormat {
			ev.conn.format = ev.format
			ev.conn.hasFormat = true
		}
		s.dispatch(ev.conn, ev.format, ev.rec)
	}
}

// dispatch routes one inbound record by its method field. A missing or
// unknown method, or a missing required field, is a protocol error and
// evicts the connection; nothing is reported back on the wire.
func (s *Service) dispatch(c *connection, format wire.Format, rec wire.Record) {
	method, ok := rec.Method()
	if !ok {
		s.drop(c, wire.ErrMissingMethod)
		return
	}

	switch method {
	case wire.MethodSubscribe:
		path, ok := rec.Topic()
		if !ok {
			s.drop(c, fmt.Errorf("SUBSCRIBE without topic"))
			return
		}
		s.subscribe(c, path, format)
	case wire.MethodPublicate:
		args, ok := rec.Args()
		if !ok {
			s.drop(c, fmt.Errorf("PUBLICATE without args"))
			return
		}
		path, ok := args.Topic()
		if !ok {
			s.drop(c, fmt.Errorf("PUBLICATE without args.topic"))
			return
		}
		msg, ok := args["msg"]
		if !ok {
			s.drop(c, fmt.Errorf("PUBLICATE without args.msg"))
			return
		}
		s.publicate(path, msg)
	case wire.MethodUnsubscribe:
		path, ok := rec.Topic()
		if !ok {
			s.drop(c, fmt.Errorf("UNSUBSCRIBE without topic"))
			return
		}
		s.unsubscribe(c, path)
	case wire.MethodTopicsRequest:
		s.listTopics(c)
	default:
		s.drop(c, fmt.Errorf("unknown method %q", method))
	}
}

// subscribe registers c on the topic with the frame's format and, if the
// node already holds a retained value, delivers it immediately, before any
// later publish to the node can reach this subscriber.
func (s *Service) subscribe(c *connection, path string, format wire.Format) {
	s.tree.AddSubscriber(path, topic.Subscriber{ConnID: c.id, Format: format})

	if s.debug {
		log.Printf("Broker: %s subscribed to %s (%s)", c.id, path, format)
	}

	if value, ok := s.tree.Get(path); ok {
		if err := s.send(c, format, wire.Send(value)); err != nil {
			s.drop(c, err)
		}
	}
}

// publicate fans msg out along the topic's chain from the namespace root to
// the terminal node, then retains msg on the terminal node. The serialized
// frame is computed at most once per wire format for the whole publish. A
// failed send evicts only the offending subscriber; the remaining recipients
// still get the message.
func (s *Service) publicate(path string, msg any) {
	cache := newFrameCache(wire.Send(msg))
	var failed []*connection

	s.tree.Walk(path, func(key string, subs []topic.Subscriber) {
		for _, sub := range subs {
			c, ok := s.conns[sub.ConnID]
			if !ok {
				continue
			}
			frame, err := cache.frame(sub.Format)
			if err != nil {
				if s.debug {
					log.Printf("Broker: cannot encode for %s subscriber %s: %v", sub.Format, c.id, err)
				}
				continue
			}
			if _, err := c.conn.Write(frame); err != nil {
				if s.debug {
					log.Printf("Broker: failed to send to subscriber %s: %v", c.id, err)
				}
				failed = append(failed, c)
			}
		}
	})

	s.tree.Put(path, msg)

	for _, c := range failed {
		s.drop(c, fmt.Errorf("send failed during publish"))
	}
}

// unsubscribe removes c's subscription on the topic's terminal node, then
// closes and deregisters the connection unconditionally; an UNSUBSCRIBE is
// also the client's goodbye.
func (s *Service) unsubscribe(c *connection, path string) {
	s.tree.RemoveSubscriber(path, c.id)
	s.drop(c, nil)
}

// listTopics replies with every visible topic that currently holds a
// retained value, encoded in the format the connection declared on its first
// frame.
func (s *Service) listTopics(c *connection) {
	reply := wire.TopicsReply(s.tree.ListVisible())
	if err := s.send(c, c.format, reply); err != nil {
		s.drop(c, err)
	}
}

// send encodes rec in the given format and writes one broker-to-client
// frame.
func (s *Service) send(c *connection, format wire.Format, rec wire.Record) error {
	payload, err := wire.NewCodec(format).Marshal(rec)
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, payload)
}

// drop deregisters a connection, strips it from every subscriber list, and
// closes its socket. The write side is shut down first so the peer reads an
// orderly end of stream even when unread input is still pending. Safe to
// call more than once for the same connection.
func (s *Service) drop(c *connection, cause error) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	s.tree.RemoveEverywhere(c.id)
	if tc, ok := c.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	c.conn.Close()

	if s.debug {
		if cause != nil {
			log.Printf("Broker: dropped connection %s: %v", c.id, cause)
		} else {
			log.Printf("Broker: closed connection %s", c.id)
		}
	}
}

// shutdown closes the listener and every client connection. Reader
// goroutines unblock on their closed sockets and exit via post's ctx check.
func (s *Service) shutdown() {
	s.listener.Close()
	for id, c := range s.conns {
		c.conn.Close()
		delete(s.conns, id)
	}
	if s.debug {
		log.Printf("Broker: shut down")
	}
}

// frameCache lazily serializes one outbound record per wire format and
// reuses the frame for every subscriber of that format during a single
// publish.
type frameCache struct {
	rec     wire.Record
	frames  map[wire.Format][]byte
	errs    map[wire.Format]error
	encodes int
}

func newFrameCache(rec wire.Record) *frameCache {
	return &frameCache{
		rec:    rec,
		frames: make(map[wire.Format][]byte),
		errs:   make(map[wire.Format]error),
	}
}

func (fc *frameCache) frame(f wire.Format) ([]byte, error) {
	if frame, ok := fc.frames[f]; ok {
		return frame, nil
	}
	if err, ok := fc.errs[f]; ok {
		return nil, err
	}
	fc.encodes++
	payload, err := wire.NewCodec(f).Marshal(fc.rec)
	if err == nil {
		var frame []byte
		frame, err = wire.Frame(payload)
		if err == nil {
			fc.frames[f] = frame
			return frame, nil
		}
	}
	fc.errs[f] = err
	return nil, err
}
