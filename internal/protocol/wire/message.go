// Package wire implements the framed message protocol spoken on client
// connections.
//
// Message Framing
// ===============
//
// Every message, in both directions, is one frame:
//
//	+----------------+------------------+------------------+
//	| 4 bytes        | header_len bytes | data_len bytes   |
//	| header length  | JSON header      | raw payload      |
//	| big-endian     | UTF-8            | (optional)       |
//	+----------------+------------------+------------------+
//
// The header always carries a "data_len" field giving the payload length;
// a missing or zero data_len means no payload follows. The payload is raw
// bytes, never JSON: file content on UPLOAD requests and DOWNLOAD
// responses.
//
// Framing errors are fatal. A short read, an oversized length, or a header
// that is not valid JSON leaves the stream position unknown, so the
// connection must be closed rather than resynchronized.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxHeaderBytes bounds the JSON header. Headers are small
	// control records; a megabyte is already generous for WRITE_TEXT
	// content.
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultMaxPayloadBytes bounds a single upload or download body.
	DefaultMaxPayloadBytes = 1 << 30
)

var (
	// ErrHeaderTooLarge is returned when the length prefix exceeds the
	// header limit.
	ErrHeaderTooLarge = errors.New("wire: header exceeds size limit")

	// ErrPayloadTooLarge is returned when data_len exceeds the payload
	// limit.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds size limit")

	// ErrEmptyHeader is returned for a zero-length header frame.
	ErrEmptyHeader = errors.New("wire: empty header")
)

// Limits bounds incoming frame sizes. Zero values fall back to the
// defaults.
type Limits struct {
	MaxHeaderBytes  int64
	MaxPayloadBytes int64
}

// DefaultLimits returns the standard frame size limits.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:  DefaultMaxHeaderBytes,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

func (l Limits) maxHeader() int64 {
	if l.MaxHeaderBytes > 0 {
		return l.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

func (l Limits) maxPayload() int64 {
	if l.MaxPayloadBytes > 0 {
		return l.MaxPayloadBytes
	}
	return DefaultMaxPayloadBytes
}

// Header is implemented by every message header type. The framing layer
// stamps data_len before encoding so callers never set it by hand.
type Header interface {
	setDataLen(n int64)
}

// frameMeta carries the fields common to every header. Embed it in header
// types.
type frameMeta struct {
	DataLen int64 `json:"data_len"`
}

func (m *frameMeta) setDataLen(n int64) { m.DataLen = n }

// ReadMessage reads one frame from r, decodes the JSON header into header
// and returns the payload (nil when data_len is 0) together with the total
// number of bytes consumed from the stream.
//
// Any returned error other than io.EOF means the stream is unusable and the
// connection should be closed. io.EOF is returned unwrapped only when the
// stream ends cleanly before the first length byte.
func ReadMessage(r io.Reader, limits Limits, header any) (payload []byte, n int64, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("wire: failed to read header length: %w", err)
	}
	n = 4

	headerLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if headerLen == 0 {
		return nil, n, ErrEmptyHeader
	}
	if headerLen > limits.maxHeader() {
		return nil, n, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerLen)
	}

	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, n, fmt.Errorf("wire: failed to read header: %w", err)
	}
	n += headerLen

	var meta frameMeta
	if err := json.Unmarshal(headerBuf, &meta); err != nil {
		return nil, n, fmt.Errorf("wire: malformed header: %w", err)
	}
	if meta.DataLen < 0 {
		return nil, n, fmt.Errorf("wire: negative data_len %d", meta.DataLen)
	}
	if meta.DataLen > limits.maxPayload() {
		return nil, n, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, meta.DataLen)
	}

	if err := json.Unmarshal(headerBuf, header); err != nil {
		return nil, n, fmt.Errorf("wire: malformed header: %w", err)
	}

	if meta.DataLen > 0 {
		payload = make([]byte, meta.DataLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, n, fmt.Errorf("wire: failed to read payload: %w", err)
		}
		n += meta.DataLen
	}
	return payload, n, nil
}

// WriteMessage encodes header (stamping data_len from payload), frames it
// and writes the complete message to w in a single Write call. Returns the
// number of bytes written.
func WriteMessage(w io.Writer, header Header, payload []byte) (int64, error) {
	header.setDataLen(int64(len(payload)))

	headerBuf, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("wire: failed to encode header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(4 + len(headerBuf) + len(payload))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBuf)))
	buf.Write(lenBuf[:])
	buf.Write(headerBuf)
	buf.Write(payload)

	written, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(written), fmt.Errorf("wire: failed to write message: %w", err)
	}
	return int64(written), nil
}
