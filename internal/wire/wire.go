// Package wire defines the framed message protocol spoken between the
// treebus broker and its clients.
//
// Every logical message is a record: a mapping of string keys to values
// (nested only for the publish arguments) whose "method" entry selects the
// protocol operation. Records travel as
// length-prefixed frames in one of three serialization formats, tagged on the
// wire by a single byte. Client-to-broker frames carry the format tag;
// broker-to-client frames omit it because the broker fixes a connection's
// format at its first frame.
//
// Wire layout:
//
//	client -> broker:  format(1) || length(2, big-endian) || payload(length)
//	broker -> client:  length(2, big-endian) || payload(length)
//
// The two-byte length caps a single payload at 65535 bytes; larger messages
// are outside the protocol.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Format identifies one of the supported wire serialization formats.
// The numeric values are part of the wire contract.
type Format byte

const (
	FormatJSON   Format = 0 // UTF-8 JSON object
	FormatXML    Format = 1 // single <main> element, record entries as attributes
	FormatObject Format = 2 // msgpack binary object
)

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 0xFFFF

var (
	ErrBadFormat     = errors.New("wire: unknown format tag")
	ErrBadPayload    = errors.New("wire: malformed payload")
	ErrFrameTooLarge = errors.New("wire: payload exceeds frame limit")
	ErrMissingMethod = errors.New("wire: record has no method field")
)

// ParseFormat validates a wire format tag byte.
func ParseFormat(b byte) (Format, error) {
	switch f := Format(b); f {
	case FormatJSON, FormatXML, FormatObject:
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrBadFormat, b)
	}
}

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatXML:
		return "xml"
	case FormatObject:
		return "object"
	default:
		return fmt.Sprintf("format(%d)", byte(f))
	}
}

// Method names recognized by the broker.
const (
	MethodSubscribe     = "SUBSCRIBE"
	MethodPublicate     = "PUBLICATE"
	MethodUnsubscribe   = "UNSUBSCRIBE"
	MethodTopicsRequest = "REQ_TOPICS"
)

// Method names emitted by the broker.
const (
	MethodSend        = "SEND"
	MethodTopicsReply = "REP_TOPICS"
)

// Record is the generic key/value form of a protocol message. Typed
// constructors below build each protocol variant; the map form survives all
// three codecs, which is what the XML representation demands.
type Record map[string]any

// Subscribe builds a subscription request for a topic.
func Subscribe(topic string) Record {
	return Record{"method": MethodSubscribe, "topic": topic}
}

// Publicate builds a publish request carrying msg to a topic.
func Publicate(topic string, msg any) Record {
	return Record{
		"method": MethodPublicate,
		"args":   map[string]any{"topic": topic, "msg": msg},
	}
}

// Unsubscribe builds an unsubscription request for a topic.
func Unsubscribe(topic string) Record {
	return Record{"method": MethodUnsubscribe, "topic": topic}
}

// TopicsRequest builds a request for the list of retained topics.
func TopicsRequest() Record {
	return Record{"method": MethodTopicsRequest}
}

// Send builds a delivery record carrying a published value.
func Send(data any) Record {
	return Record{"method": MethodSend, "data": data}
}

// TopicsReply builds the reply to a TopicsRequest.
func TopicsReply(topics []string) Record {
	return Record{"method": MethodTopicsReply, "lst": topics}
}

// Method returns the record's method field.
func (r Record) Method() (string, bool) {
	m, ok := r["method"].(string)
	return m, ok
}

// Topic returns the record's topic field.
func (r Record) Topic() (string, bool) {
	t, ok := r["topic"].(string)
	return t, ok
}

// Args returns the record's args entry as a nested record. A string-valued
// args (the flattened form an XML producer emits) is recovered from its JSON
// text.
func (r Record) Args() (Record, bool) {
	switch v := r["args"].(type) {
	case map[string]any:
		return Record(v), true
	case Record:
		return v, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, false
		}
		return Record(m), true
	default:
		return nil, false
	}
}

// Topics returns the record's lst entry as a list of topic paths, accepting
// the decoded shapes each codec produces.
func (r Record) Topics() ([]string, bool) {
	switch v := r["lst"].(type) {
	case nil:
		return []string{}, true
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// Codec is a stateless transform between records and payload bytes for a
// fixed format.
type Codec struct {
	format Format
}

// NewCodec returns a codec bound to the given format.
func NewCodec(f Format) Codec {
	return Codec{format: f}
}

// Format returns the codec's wire format.
func (c Codec) Format() Format {
	return c.format
}

// Marshal encodes a record to payload bytes.
func (c Codec) Marshal(rec Record) ([]byte, error) {
	switch c.format {
	case FormatJSON:
		return json.Marshal(map[string]any(rec))
	case FormatXML:
		return marshalXML(rec)
	case FormatObject:
		return msgpack.Marshal(map[string]any(rec))
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadFormat, byte(c.format))
	}
}

// Unmarshal decodes payload bytes back into a record. The record is not
// required to carry a method field here; that check belongs to the protocol
// layer.
func (c Codec) Unmarshal(payload []byte) (Record, error) {
	switch c.format {
	case FormatJSON:
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Record(m), nil
	case FormatXML:
		return unmarshalXML(payload)
	case FormatObject:
		var m map[string]any
		if err := msgpack.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Record(m), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadFormat, byte(c.format))
	}
}

// marshalXML encodes the record as a single element tagged "main" whose
// attributes are the record's entries. Values are coerced to strings; nested
// maps and lists are flattened to their compact JSON text, which is the form
// a producer must use when it needs structure to survive this format.
// Attributes are emitted in sorted key order so output is deterministic.
func marshalXML(rec Record) ([]byte, error) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := xml.StartElement{Name: xml.Name{Local: "main"}}
	for _, k := range keys {
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: k},
			Value: flatten(rec[k]),
		})
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return buf.Bytes(), nil
}

// unmarshalXML accepts only a "main" element and returns its attribute map.
// Any other tag is a malformed payload.
func unmarshalXML(payload []byte) (Record, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "main" {
			return nil, fmt.Errorf("%w: unexpected element %q", ErrBadPayload, start.Name.Local)
		}
		rec := make(Record, len(start.Attr))
		for _, attr := range start.Attr {
			rec[attr.Name.Local] = attr.Value
		}
		return rec, nil
	}
}

// flatten coerces a record value to its XML attribute string.
func flatten(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, Record, []any, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Frame prefixes a payload with its 2-byte big-endian length.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(payload)))
	copy(buf[2:], payload)
	return buf, nil
}

// ReadFrame reads one length-prefixed payload, reassembling partial reads.
// A stream that ends before the declared length yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes a length-prefixed payload without a format tag, the
// broker-to-client frame shape.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// WriteTagged writes a format tag followed by a length-prefixed payload, the
// client-to-broker frame shape.
func WriteTagged(w io.Writer, f Format, payload []byte) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, 1+len(frame))
	buf = append(buf, byte(f))
	buf = append(buf, frame...)
	_, err = w.Write(buf)
	return err
}

// ReadTagged reads one client-to-broker frame: the format tag, then the
// length-prefixed payload.
func ReadTagged(r io.Reader) (Format, []byte, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return 0, nil, err
	}
	f, err := ParseFormat(tag[0])
	if err != nil {
		return 0, nil, err
	}
	payload, err := ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	return f, payload, nil
}
