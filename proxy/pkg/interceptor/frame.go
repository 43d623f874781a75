package interceptor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

const (
	cqlHeaderLength = 9
	cqlMaxBodyLen   = 256 * 1024 * 1024 // 256 MiB, per protocol spec
)

// Frame is a single CQL native protocol frame, header fields parsed and body
// kept opaque. The version byte is carried verbatim, direction bit included:
// the codec never validates it so that tests can push frames with unknown or
// deliberately wrong versions through the proxy.
//
// Compressed bodies (COMPRESSION header flag) pass through untouched; rules
// that need to match compressed bodies must either disable compression at the
// driver or match on header fields only.
type Frame struct {
	Version  byte
	Flags    primitive.HeaderFlag
	StreamId int16
	OpCode   primitive.OpCode
	Body     []byte
}

func NewFrame(version byte, flags primitive.HeaderFlag, streamId int16, opCode primitive.OpCode, body []byte) *Frame {
	return &Frame{
		Version:  version,
		Flags:    flags,
		StreamId: streamId,
		OpCode:   opCode,
		Body:     body,
	}
}

// ReadFrame decodes one frame from the reader. A clean EOF on the first header
// byte is returned as io.EOF (orderly peer close); EOF anywhere else in the
// header maps to ErrMalformedHeader and inside the body to ErrUnexpectedEof.
func ReadFrame(reader io.Reader) (*Frame, error) {
	var header [cqlHeaderLength]byte

	if _, err := io.ReadFull(reader, header[:1]); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(reader, header[1:]); err != nil {
		return nil, fmt.Errorf("read %v: %w", err, ErrMalformedHeader)
	}

	bodyLength := binary.BigEndian.Uint32(header[5:9])
	if bodyLength > cqlMaxBodyLen {
		return nil, fmt.Errorf("body length %d: %w", bodyLength, ErrFrameTooLarge)
	}

	body := make([]byte, bodyLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("read %v: %w", err, ErrUnexpectedEof)
	}

	return &Frame{
		Version:  header[0],
		Flags:    primitive.HeaderFlag(header[1]),
		StreamId: int16(binary.BigEndian.Uint16(header[2:4])),
		OpCode:   primitive.OpCode(header[4]),
		Body:     body,
	}, nil
}

// WriteTo encodes the frame back to the wire, 9 header bytes plus the body,
// bit for bit.
func (f *Frame) WriteTo(writer io.Writer) error {
	var header [cqlHeaderLength]byte
	header[0] = f.Version
	header[1] = byte(f.Flags)
	binary.BigEndian.PutUint16(header[2:4], uint16(f.StreamId))
	header[4] = byte(f.OpCode)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(f.Body)))

	if _, err := writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := writer.Write(f.Body); err != nil {
		return err
	}
	return nil
}

func (f *Frame) Clone() *Frame {
	body := make([]byte, len(f.Body))
	copy(body, f.Body)
	return &Frame{
		Version:  f.Version,
		Flags:    f.Flags,
		StreamId: f.StreamId,
		OpCode:   f.OpCode,
		Body:     body,
	}
}

// IsResponse reports the direction bit of the version byte. Informational
// only; nothing in the proxy enforces direction correctness.
func (f *Frame) IsResponse() bool {
	return f.Version&0x80 != 0
}

// ProtocolVersion strips the direction bit off the version byte.
func (f *Frame) ProtocolVersion() byte {
	return f.Version & 0x7f
}

// QueryString extracts the query text of a QUERY or PREPARE frame. The body
// starts with a [long string] in both cases. Returns false for other opcodes
// or when the body does not parse (compressed or truncated bodies). Substring
// conditions do not use it: they always match the raw body bytes.
func (f *Frame) QueryString() (string, bool) {
	if f.OpCode != primitive.OpCodeQuery && f.OpCode != primitive.OpCodePrepare {
		return "", false
	}

	query, err := primitive.ReadLongString(bytes.NewReader(f.Body))
	if err != nil {
		return "", false
	}
	return query, true
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{version: 0x%02x, flags: 0x%02x, stream: %d, opcode: %v, body: %d bytes}",
		f.Version, byte(f.Flags), f.StreamId, f.OpCode, len(f.Body))
}

// newErrorFrame synthesizes the ERROR response for ForgeWithError reactions:
// body is [int error code][string message], stream id copied from the
// triggering frame so the driver correlates it, response bit forced on.
func newErrorFrame(trigger *Frame, code primitive.ErrorCode, message string) (*Frame, error) {
	body := &bytes.Buffer{}
	if err := primitive.WriteInt(int32(code), body); err != nil {
		return nil, fmt.Errorf("could not write error code: %w", err)
	}
	if err := primitive.WriteString(message, body); err != nil {
		return nil, fmt.Errorf("could not write error message: %w", err)
	}

	return &Frame{
		Version:  trigger.Version&0x7f | 0x80,
		Flags:    0,
		StreamId: trigger.StreamId,
		OpCode:   primitive.OpCodeError,
		Body:     body.Bytes(),
	}, nil
}
