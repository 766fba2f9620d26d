package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Round trips
// =============================================================================

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte("file contents")
	req := &Request{Cmd: CmdUpload, Path: "docs/a.bin", Overwrite: true}
	written, err := WriteMessage(&buf, req, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), written)

	var got Request
	gotPayload, n, err := ReadMessage(&buf, DefaultLimits(), &got)
	require.NoError(t, err)
	assert.Equal(t, written, n)
	assert.Equal(t, CmdUpload, got.Cmd)
	assert.Equal(t, "docs/a.bin", got.Path)
	assert.True(t, got.Overwrite)
	assert.Equal(t, payload, gotPayload)
	assert.Equal(t, int64(len(payload)), got.DataLen)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, NewDownload("docs/a.bin", 3), []byte("abc"))
	require.NoError(t, err)

	var got DownloadResponse
	payload, _, err := ReadMessage(&buf, DefaultLimits(), &got)
	require.NoError(t, err)
	assert.True(t, got.Ok)
	assert.Equal(t, "docs/a.bin", got.Path)
	assert.Equal(t, int64(3), got.Size)
	assert.Equal(t, []byte("abc"), payload)
}

func TestNoPayloadMessage(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, &Request{Cmd: CmdPing}, nil)
	require.NoError(t, err)

	var got Request
	payload, _, err := ReadMessage(&buf, DefaultLimits(), &got)
	require.NoError(t, err)
	assert.Equal(t, CmdPing, got.Cmd)
	assert.Nil(t, payload)
	assert.Equal(t, int64(0), got.DataLen)
}

// =============================================================================
// Per-command decoding
// =============================================================================

func TestEnvelopeDecodesPerCommand(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, &Request{Cmd: CmdRename, OldPath: "a.txt", NewPath: "b.txt"}, nil)
	require.NoError(t, err)

	var env Envelope
	_, _, err = ReadMessage(&buf, DefaultLimits(), &env)
	require.NoError(t, err)
	assert.Equal(t, CmdRename, env.Cmd)

	var req RenameRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "a.txt", req.OldPath)
	assert.Equal(t, "b.txt", req.NewPath)
}

func TestEnvelopeCarriesDataLen(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("abc")
	_, err := WriteMessage(&buf, &Request{Cmd: CmdUpload, Path: "a.bin"}, payload)
	require.NoError(t, err)

	var env Envelope
	got, _, err := ReadMessage(&buf, DefaultLimits(), &env)
	require.NoError(t, err)
	assert.Equal(t, int64(3), env.DataLen)
	assert.Equal(t, payload, got)

	var req UploadRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "a.bin", req.Path)
	assert.False(t, req.Overwrite)
}

func TestEnvelopeDecodeRejectsBadFieldTypes(t *testing.T) {
	header := []byte(`{"cmd":"UPLOAD","data_len":0,"overwrite":"yes"}`)
	frame := append([]byte{0, 0, 0, byte(len(header))}, header...)

	var env Envelope
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &env)
	require.NoError(t, err)
	assert.Equal(t, CmdUpload, env.Cmd)

	var req UploadRequest
	assert.Error(t, env.Decode(&req))
}

// =============================================================================
// Header encoding
// =============================================================================

func TestDataLenIsStamped(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, &Request{Cmd: CmdUpload, Path: "a"}, []byte("xyzw"))
	require.NoError(t, err)

	headerLen := binary.BigEndian.Uint32(buf.Bytes()[:4])
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes()[4:4+headerLen], &raw))
	assert.Equal(t, float64(4), raw["data_len"])
	assert.Equal(t, "UPLOAD", raw["cmd"])
}

func TestUnusedRequestFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, &Request{Cmd: CmdPing}, nil)
	require.NoError(t, err)

	headerLen := binary.BigEndian.Uint32(buf.Bytes()[:4])
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes()[4:4+headerLen], &raw))
	assert.NotContains(t, raw, "password")
	assert.NotContains(t, raw, "path")
	assert.NotContains(t, raw, "overwrite")
}

func TestErrorResponseShape(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, Err("Not authenticated"), nil)
	require.NoError(t, err)

	headerLen := binary.BigEndian.Uint32(buf.Bytes()[:4])
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes()[4:4+headerLen], &raw))
	assert.Equal(t, false, raw["ok"])
	assert.Equal(t, "Not authenticated", raw["error"])
}

func TestListResponseAlwaysHasArrays(t *testing.T) {
	var buf bytes.Buffer

	_, err := WriteMessage(&buf, NewList("", nil, nil), nil)
	require.NoError(t, err)

	headerLen := binary.BigEndian.Uint32(buf.Bytes()[:4])
	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes()[4:4+headerLen], &raw))
	assert.Equal(t, []any{}, raw["folders"])
	assert.Equal(t, []any{}, raw["files"])
	assert.Contains(t, raw, "cwd")
}

// =============================================================================
// Framing errors
// =============================================================================

func TestCleanEOF(t *testing.T) {
	var got Request
	_, _, err := ReadMessage(bytes.NewReader(nil), DefaultLimits(), &got)
	assert.Equal(t, io.EOF, err)
}

func TestTruncatedLengthPrefix(t *testing.T) {
	var got Request
	_, _, err := ReadMessage(bytes.NewReader([]byte{0, 0}), DefaultLimits(), &got)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestTruncatedHeader(t *testing.T) {
	frame := []byte{0, 0, 0, 100, '{', '}'}

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &got)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, &Request{Cmd: CmdUpload}, []byte("full payload"))
	require.NoError(t, err)

	truncated := buf.Bytes()[:buf.Len()-5]

	var got Request
	_, _, err = ReadMessage(bytes.NewReader(truncated), DefaultLimits(), &got)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestHeaderNotJSON(t *testing.T) {
	frame := append([]byte{0, 0, 0, 5}, []byte("hello")...)

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed header")
}

func TestHeaderTooLarge(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFF, 0xFF}

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &got)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestEmptyHeaderFrame(t *testing.T) {
	frame := []byte{0, 0, 0, 0}

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &got)
	assert.ErrorIs(t, err, ErrEmptyHeader)
}

func TestPayloadTooLarge(t *testing.T) {
	header := []byte(`{"cmd":"UPLOAD","data_len":999999}`)
	frame := append([]byte{0, 0, 0, byte(len(header))}, header...)

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), Limits{MaxPayloadBytes: 1024}, &got)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNegativeDataLen(t *testing.T) {
	header := []byte(`{"cmd":"UPLOAD","data_len":-1}`)
	frame := append([]byte{0, 0, 0, byte(len(header))}, header...)

	var got Request
	_, _, err := ReadMessage(bytes.NewReader(frame), DefaultLimits(), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative data_len")
}
