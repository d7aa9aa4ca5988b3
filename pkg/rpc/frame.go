// Package rpc implements the daemon's local-socket transport: a
// length-prefixed frame codec carrying JSON-RPC 2.0 payloads, plus the
// server and client that speak it.
package rpc

import (
	"bytes"
	"encoding/binary"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

// Type tags a frame's payload.
type Type byte

const (
	TypeRequest       Type = 1
	TypeResponse      Type = 2
	TypeNotification  Type = 3
	TypeBinary        Type = 4
	TypeHeartbeat     Type = 5
	TypeAuthChallenge Type = 6
	TypeAuthResponse  Type = 7
)

// headerSize is the tag byte plus the 4-byte big-endian length.
const headerSize = 1 + 4

// Frame is one transport unit: a type tag and its payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode serializes f as type(1) | length(4, big-endian) | payload.
func Encode(f Frame) []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[5:], f.Payload)
	return buf
}

// Decoder incrementally reassembles frames from a byte stream. Partial
// frames are buffered across Feed calls until the full length arrives.
type Decoder struct {
	buf        bytes.Buffer
	maxMessage int
}

// NewDecoder creates a Decoder. maxMessage caps an accepted payload size;
// zero means unlimited.
func NewDecoder(maxMessage int) *Decoder {
	return &Decoder{maxMessage: maxMessage}
}

// Feed appends newly-read bytes and returns every complete frame now
// available, in arrival order. Any incomplete trailing frame remains
// buffered for the next call.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf.Write(data)

	var frames []Frame
	for {
		raw := d.buf.Bytes()
		if len(raw) < headerSize {
			break
		}
		length := binary.BigEndian.Uint32(raw[1:5])
		if d.maxMessage > 0 && int(length) > d.maxMessage {
			return frames, errs.Newf(errs.MessageTooLarge, "frame payload of %d bytes exceeds limit of %d", length, d.maxMessage)
		}
		total := headerSize + int(length)
		if len(raw) < total {
			break
		}

		payload := make([]byte, length)
		copy(payload, raw[headerSize:total])
		frames = append(frames, Frame{Type: Type(raw[0]), Payload: payload})
		d.buf.Next(total)
	}
	return frames, nil
}
