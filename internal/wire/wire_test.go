package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	for _, b := range []byte{0, 1, 2} {
		f, err := ParseFormat(b)
		require.NoError(t, err)
		assert.Equal(t, Format(b), f)
	}

	_, err := ParseFormat(3)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestJSONRoundTrip(t *testing.T) {
	codec := NewCodec(FormatJSON)

	payload, err := codec.Marshal(Subscribe("/weather"))
	require.NoError(t, err)

	rec, err := codec.Unmarshal(payload)
	require.NoError(t, err)

	method, ok := rec.Method()
	require.True(t, ok)
	assert.Equal(t, MethodSubscribe, method)

	topic, ok := rec.Topic()
	require.True(t, ok)
	assert.Equal(t, "/weather", topic)
}

func TestJSONPublicateRoundTrip(t *testing.T) {
	codec := NewCodec(FormatJSON)

	payload, err := codec.Marshal(Publicate("/temp", 42))
	require.NoError(t, err)

	rec, err := codec.Unmarshal(payload)
	require.NoError(t, err)

	args, ok := rec.Args()
	require.True(t, ok)

	topic, ok := args.Topic()
	require.True(t, ok)
	assert.Equal(t, "/temp", topic)
	assert.EqualValues(t, 42, args["msg"])
}

func TestObjectRoundTrip(t *testing.T) {
	codec := NewCodec(FormatObject)

	msg := map[string]any{"n": 7, "s": "x"}
	payload, err := codec.Marshal(Publicate("/mix", msg))
	require.NoError(t, err)

	rec, err := codec.Unmarshal(payload)
	require.NoError(t, err)

	method, ok := rec.Method()
	require.True(t, ok)
	assert.Equal(t, MethodPublicate, method)

	args, ok := rec.Args()
	require.True(t, ok)

	got, ok := args["msg"].(map[string]any)
	require.True(t, ok, "object format must keep nested structure")
	assert.EqualValues(t, 7, got["n"])
	assert.Equal(t, "x", got["s"])
}

func TestXMLCoercesValuesToStrings(t *testing.T) {
	codec := NewCodec(FormatXML)

	payload, err := codec.Marshal(Send(42))
	require.NoError(t, err)
	assert.Equal(t, `<main data="42" method="SEND"></main>`, string(payload))

	rec, err := codec.Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, "42", rec["data"])
}

func TestXMLFlattensNestedArgs(t *testing.T) {
	codec := NewCodec(FormatXML)

	payload, err := codec.Marshal(Publicate("/a", "hi"))
	require.NoError(t, err)

	rec, err := codec.Unmarshal(payload)
	require.NoError(t, err)

	// The nested args map travels as its JSON text and is recovered by Args.
	args, ok := rec.Args()
	require.True(t, ok)

	topic, ok := args.Topic()
	require.True(t, ok)
	assert.Equal(t, "/a", topic)
	assert.Equal(t, "hi", args["msg"])
}

func TestXMLRejectsOtherTags(t *testing.T) {
	codec := NewCodec(FormatXML)

	_, err := codec.Unmarshal([]byte(`<other a="1"></other>`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = codec.Unmarshal([]byte(`not xml at all`))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestTopicsField(t *testing.T) {
	rec := TopicsReply([]string{"/a", "/b"})
	topics, ok := rec.Topics()
	require.True(t, ok)
	assert.Equal(t, []string{"/a", "/b"}, topics)

	// JSON decodes lst as []any.
	codec := NewCodec(FormatJSON)
	payload, err := codec.Marshal(rec)
	require.NoError(t, err)
	decoded, err := codec.Unmarshal(payload)
	require.NoError(t, err)
	topics, ok = decoded.Topics()
	require.True(t, ok)
	assert.Equal(t, []string{"/a", "/b"}, topics)

	// XML flattens lst to JSON text.
	codec = NewCodec(FormatXML)
	payload, err = codec.Marshal(rec)
	require.NoError(t, err)
	decoded, err = codec.Unmarshal(payload)
	require.NoError(t, err)
	topics, ok = decoded.Topics()
	require.True(t, ok)
	assert.Equal(t, []string{"/a", "/b"}, topics)
}

func TestFrameRoundTrip(t *testing.T) {
	frame, err := Frame([]byte("payload"))
	require.NoError(t, err)

	payload, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
}

func TestFrameTooLarge(t *testing.T) {
	_, err := Frame(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = Frame(make([]byte, MaxPayload))
	assert.NoError(t, err)
}

func TestReadFrameShortPayload(t *testing.T) {
	frame, err := Frame([]byte("payload"))
	require.NoError(t, err)

	// Stream ends before the declared length.
	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTaggedFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTagged(&buf, FormatObject, []byte("data")))

	format, payload, err := ReadTagged(&buf)
	require.NoError(t, err)
	assert.Equal(t, FormatObject, format)
	assert.Equal(t, []byte("data"), payload)
}

func TestReadTaggedBadFormat(t *testing.T) {
	_, _, err := ReadTagged(bytes.NewReader([]byte{9, 0, 1, 'x'}))
	assert.ErrorIs(t, err, ErrBadFormat)
}
