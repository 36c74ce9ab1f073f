// Package ipc implements the length-prefixed JSON wire protocol between the
// Broker (client) and the Agent (server) over a local stream socket.
//
// Framing: a 4-byte big-endian length prefix followed by exactly that many
// bytes of UTF-8 JSON. This mirrors the framing in
// original_source/src/mcp_raspi/ipc/protocol.py, reimplemented without a
// Python asyncio.StreamReader.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// DefaultMaxMessageSize is the default frame size cap (16 MiB), per spec §6.
const DefaultMaxMessageSize = 16 * 1024 * 1024

const lengthPrefixSize = 4

// Request is the Broker→Agent request envelope.
type Request struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Timestamp string          `json:"timestamp"`
	Params    json.RawMessage `json:"params"`
}

// WireError is the error object embedded in a Response.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the Agent→Broker response envelope.
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"` // "ok" or "error"
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WriteFrame writes v as a length-prefixed JSON frame to w.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return ctlerr.Internalf(err, nil, "ipc: failed to marshal frame")
	}
	if len(body) > DefaultMaxMessageSize {
		return ctlerr.ProtocolErrorf(map[string]any{"size": len(body)}, "ipc: outbound frame exceeds max message size")
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed JSON frame from r, enforcing maxSize.
// A length exceeding maxSize is reported as a ctlerr.ProtocolError and the
// caller must close the connection; the body is never read in that case.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, ctlerr.ProtocolErrorf(map[string]any{"size": n, "max": maxSize}, "ipc: frame exceeds max message size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: short read: %w", err)
	}
	return body, nil
}

// ReadRequest reads and decodes one Request frame.
func ReadRequest(r io.Reader, maxSize int) (*Request, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ctlerr.ProtocolErrorf(nil, "ipc: malformed request frame: %s", err)
	}
	return &req, nil
}

// ReadResponse reads and decodes one Response frame.
func ReadResponse(r io.Reader, maxSize int) (*Response, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, ctlerr.ProtocolErrorf(nil, "ipc: malformed response frame: %s", err)
	}
	return &resp, nil
}
