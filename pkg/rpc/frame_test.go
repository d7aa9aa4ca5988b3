package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

func concatFrames(frames ...Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, Encode(f)...)
	}
	return out
}

// TestDecoderReturnsConcatenatedFrames covers testable property 3: N
// well-formed frames concatenated decode to exactly those N frames with
// an empty residual buffer.
func TestDecoderReturnsConcatenatedFrames(t *testing.T) {
	want := []Frame{
		{Type: TypeRequest, Payload: []byte(`{"id":1}`)},
		{Type: TypeResponse, Payload: []byte(`{"id":1,"result":true}`)},
		{Type: TypeNotification, Payload: []byte(`{"method":"ping"}`)},
	}
	d := NewDecoder(0)
	got, err := d.Feed(concatFrames(want...))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, d.buf.Len())
}

func TestDecoderBuffersPartialFrame(t *testing.T) {
	full := Encode(Frame{Type: TypeRequest, Payload: []byte(`{"id":2}`)})
	d := NewDecoder(0)

	got, err := d.Feed(full[:len(full)-3])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = d.Feed(full[len(full)-3:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Frame{Type: TypeRequest, Payload: []byte(`{"id":2}`)}, got[0])
	assert.Equal(t, 0, d.buf.Len())
}

// TestDecoderEmitsPrefixAndRetainsRemainder covers the strict-prefix half
// of testable property 3.
func TestDecoderEmitsPrefixAndRetainsRemainder(t *testing.T) {
	f1 := Frame{Type: TypeRequest, Payload: []byte("one")}
	f2 := Frame{Type: TypeRequest, Payload: []byte("two")}
	data := concatFrames(f1, f2)
	partial := data[:len(data)-2] // strict prefix: f1 complete, f2 short by two bytes

	d := NewDecoder(0)
	got, err := d.Feed(partial)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f1, got[0])
	assert.Equal(t, len(partial)-len(Encode(f1)), d.buf.Len())
}

// TestDecoderTwoRequestsInOneWriteThenPartialFrame covers scenario S6:
// framing resynchronization across a combined write and a split write.
func TestDecoderTwoRequestsInOneWriteThenPartialFrame(t *testing.T) {
	req1 := Frame{Type: TypeRequest, Payload: []byte(`{"id":1,"method":"list"}`)}
	req2 := Frame{Type: TypeRequest, Payload: []byte(`{"id":2,"method":"info"}`)}
	d := NewDecoder(0)

	got, err := d.Feed(concatFrames(req1, req2))
	require.NoError(t, err)
	assert.Equal(t, []Frame{req1, req2}, got)

	req3 := Frame{Type: TypeRequest, Payload: []byte(`{"id":3,"method":"stop"}`)}
	full := Encode(req3)
	split := len(full) / 2

	got, err = d.Feed(full[:split])
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = d.Feed(full[split:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req3, got[0])
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	f := Frame{Type: TypeRequest, Payload: make([]byte, 100)}
	d := NewDecoder(10)
	_, err := d.Feed(Encode(f))
	require.Error(t, err)
	assert.Equal(t, errs.MessageTooLarge, errs.CodeOf(err))
}
