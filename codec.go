package rnet

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	// ErrIncompleteFrame 只作为codec内部状态，Decode对外以 (nil, nil) 表示“还不完整”
	ErrFrameTooLarge = errors.New("codec: frame exceeds the configured limit")
)

type (
	// ICodec is the message-boundary detector and response framer. Decode is
	// called on the owning event-loop goroutine whenever new inbound data
	// arrives: it returns one complete frame and consumes it from the buffers
	// via ShiftN, (nil, nil) when the data is still incomplete, or an error
	// for a protocol violation, which closes the connection. Encode frames an
	// outbound payload.
	ICodec interface {
		Encode(c Conn, buf []byte) ([]byte, error)
		Decode(c Conn) ([]byte, error)
	}
)

// BuiltInFrameCodec treats whatever has been buffered as one frame.
type BuiltInFrameCodec struct {
}

func (cc *BuiltInFrameCodec) Encode(c Conn, buf []byte) ([]byte, error) {
	return buf, nil
}

func (cc *BuiltInFrameCodec) Decode(c Conn) ([]byte, error) {
	buf := c.Read()
	if len(buf) == 0 {
		return nil, nil
	}
	c.ResetBuffer()
	return buf, nil
}

// LineCodec frames '\n'-terminated messages, the delimiter is stripped on
// decode and restored on encode.
type LineCodec struct {
}

func (cc *LineCodec) Encode(c Conn, buf []byte) ([]byte, error) {
	out := make([]byte, len(buf)+1)
	copy(out, buf)
	out[len(buf)] = '\n'
	return out, nil
}

func (cc *LineCodec) Decode(c Conn) ([]byte, error) {
	buf := c.Read()
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, nil
	}
	c.ShiftN(i + 1)
	return buf[:i], nil
}

// LengthFieldCodec frames messages with a 4-byte big-endian length prefix.
type LengthFieldCodec struct {
	// MaxFrameLength bounds the body size, zero means the ring-buffer
	// high-water mark is the only limit.
	MaxFrameLength uint32
}

const lengthFieldSize = 4

func (cc *LengthFieldCodec) Encode(c Conn, buf []byte) ([]byte, error) {
	out := make([]byte, lengthFieldSize+len(buf))
	binary.BigEndian.PutUint32(out, uint32(len(buf)))
	copy(out[lengthFieldSize:], buf)
	return out, nil
}

func (cc *LengthFieldCodec) Decode(c Conn) ([]byte, error) {
	size, header := c.ReadN(lengthFieldSize)
	if size < lengthFieldSize {
		return nil, nil
	}
	bodyLen := binary.BigEndian.Uint32(header)
	if cc.MaxFrameLength > 0 && bodyLen > cc.MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	frameLen := lengthFieldSize + int(bodyLen)
	if c.BufferLength() < frameLen {
		return nil, nil
	}
	_, frame := c.ReadN(frameLen)
	c.ShiftN(frameLen)
	return frame[lengthFieldSize:], nil
}
