package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single control frame. Certificate updates are
// the largest legitimate frames; anything past this is a broken peer.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame header announces a body
// larger than MaxFrameSize. The stream is unrecoverable past this
// point and the connection should be closed.
var ErrFrameTooLarge = errors.New("control: frame exceeds size limit")

const lenPrefix = 4

// AppendFrame encodes v as JSON and appends it to dst as one
// length-prefixed frame.
func AppendFrame(dst []byte, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return dst, fmt.Errorf("encoding control frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// EncodeFrame encodes v as a single standalone frame.
func EncodeFrame(v any) ([]byte, error) {
	return AppendFrame(nil, v)
}

// Decoder reassembles frames from an arbitrarily segmented byte
// stream. It is used on the worker side, where the control descriptor
// is non-blocking and reads return whatever the kernel has buffered.
//
// Example usage:
//
//	dec := control.NewDecoder()
//	dec.Feed(chunk)
//	for {
//	    msg, err := dec.NextMessage()
//	    if err != nil || msg == nil {
//	        break
//	    }
//	    apply(msg)
//	}
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw stream bytes to the reassembly buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many unparsed bytes the decoder holds.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the body of the next complete frame, or nil when more
// bytes are needed. The returned slice is only valid until the next
// call to Feed or Next.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < lenPrefix {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:lenPrefix])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	total := lenPrefix + int(n)
	if len(d.buf) < total {
		return nil, nil
	}
	body := d.buf[lenPrefix:total]
	d.buf = d.buf[total:]
	return body, nil
}

// NextMessage decodes the next complete frame as a Message, or returns
// (nil, nil) when more bytes are needed.
func (d *Decoder) NextMessage() (*Message, error) {
	body, err := d.Next()
	if err != nil || body == nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding control message: %w", err)
	}
	return &m, nil
}

// NextAck decodes the next complete frame as an Ack, or returns
// (nil, nil) when more bytes are needed.
func (d *Decoder) NextAck() (*Ack, error) {
	body, err := d.Next()
	if err != nil || body == nil {
		return nil, err
	}
	var a Ack
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decoding control ack: %w", err)
	}
	return &a, nil
}
