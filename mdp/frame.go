// Package mdp implements MDP v1 wire protocol:
// COBS framed, CRC16 checked payloads carrying typed messages.
//
// Frame on the wire: cobs(payload ‖ crc16be(payload)) 0x00
package mdp

import (
	"bytes"
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/mdp/cobs"
	"github.com/temoto/mdp/crc"
)

const Delimiter = cobs.Delimiter

// MaxFrameSize bounds encoded frame including delimiter, and so resync cost.
const MaxFrameSize = 512

const checksumLen = 2

// MaxPayloadSize is largest payload that always fits MaxFrameSize.
const MaxPayloadSize = 506

func init() {
	if cobs.MaxEncodedLen(MaxPayloadSize+checksumLen)+1 > MaxFrameSize {
		panic("code error MaxPayloadSize does not fit MaxFrameSize")
	}
}

func Encode(payload []byte) ([]byte, error) {
	return AppendEncode(make([]byte, 0, cobs.MaxEncodedLen(len(payload)+checksumLen)+1), payload)
}

// AppendEncode appends frame with trailing delimiter to dst.
func AppendEncode(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, errors.Annotatef(ErrOversized, "payload length=%d max=%d", len(payload), MaxPayloadSize)
	}
	body := make([]byte, len(payload)+checksumLen)
	copy(body, payload)
	binary.BigEndian.PutUint16(body[len(payload):], crc.Checksum16(payload))
	dst = cobs.Encode(dst, body)
	dst = append(dst, Delimiter)
	return dst, nil
}

// Decode single frame, trailing delimiter is optional.
// Returned payload does not alias input.
func Decode(frame []byte) ([]byte, error) {
	if n := len(frame); n > 0 && frame[n-1] == Delimiter {
		frame = frame[:n-1]
	}
	if len(frame)+1 > MaxFrameSize {
		return nil, errors.Annotatef(ErrOversized, "frame length=%d max=%d", len(frame)+1, MaxFrameSize)
	}
	if len(frame) == 0 {
		return nil, errors.Annotatef(ErrMalformed, "frame empty")
	}
	body, err := cobs.Decode(make([]byte, 0, len(frame)), frame)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformed, "frame=%x %v", frame, err)
	}
	if len(body) < checksumLen {
		return nil, errors.Annotatef(ErrMalformed, "frame=%x body length=%d < checksum", frame, len(body))
	}
	payload := body[:len(body)-checksumLen]
	crcIn := binary.BigEndian.Uint16(body[len(payload):])
	crcLocal := crc.Checksum16(payload)
	if crcIn != crcLocal {
		return nil, errors.Annotatef(ErrChecksumMismatch, "frame=%x crc=%04x actual=%04x", frame, crcIn, crcLocal)
	}
	return payload, nil
}

// Decoder splits byte stream into frames.
// Empty frames (idle delimiters) are skipped.
// Frame growing past MaxFrameSize is reported once as ErrOversized,
// then input is discarded until next delimiter.
// Not safe for concurrent use.
type Decoder struct {
	buf  []byte
	skip bool
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize)}
}

// Feed consumes p and calls fn for every frame completed by p, in order.
// Exactly one of payload, err is non-nil.
func (d *Decoder) Feed(p []byte, fn func(payload []byte, err error)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, Delimiter)
		chunk := p
		if i >= 0 {
			chunk = p[:i]
			p = p[i+1:]
		} else {
			p = nil
		}

		if !d.skip {
			if len(d.buf)+len(chunk)+1 > MaxFrameSize {
				d.skip = true
				fn(nil, errors.Annotatef(ErrOversized, "no delimiter within %d bytes, resync", MaxFrameSize))
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}

		if i < 0 {
			break
		}
		// delimiter seen
		if d.skip {
			d.skip = false
			continue
		}
		if len(d.buf) == 0 {
			continue
		}
		payload, err := Decode(d.buf)
		d.buf = d.buf[:0]
		if err != nil {
			fn(nil, err)
		} else {
			fn(payload, nil)
		}
	}
}

// Buffered returns length of incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset discards incomplete frame, i.e. after transport reconnect.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skip = false
}
