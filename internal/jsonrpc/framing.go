package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// headerSeparator terminates the frame header block.
var headerSeparator = []byte("\r\n\r\n")

// maxContentLength caps the body size a frame may declare. A peer
// claiming an absurd length would otherwise make the decoder buffer
// bytes forever for a body that never completes.
const maxContentLength = 16 << 20

// Encode serializes v to JSON and prepends a Content-Length header so
// the result can be written to a byte stream and reassembled by a
// Decoder on the far side.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame body: %w", err)
	}
	var out bytes.Buffer
	out.Grow(len(body) + 32)
	fmt.Fprintf(&out, "Content-Length: %d\r\n\r\n", len(body))
	out.Write(body)
	return out.Bytes(), nil
}

// Decoder reassembles Content-Length framed JSON messages from an
// append-only byte stream. It is resilient to arbitrary chunking:
// bytes may arrive one at a time or many frames at once.
//
// Malformed headers are skipped past their separator and bodies that
// are not valid JSON are dropped, so one bad frame never wedges the
// stream or tears down the connection.
type Decoder struct {
	buf []byte
}

// Write appends raw bytes from the transport to the internal buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Len returns the number of buffered, not yet consumed bytes.
func (d *Decoder) Len() int {
	return len(d.buf)
}

// Next extracts the next complete JSON body from the buffer. It
// returns ok=false when no complete frame is buffered; callers should
// loop until then after each Write.
func (d *Decoder) Next() (json.RawMessage, bool) {
	for {
		sep := bytes.Index(d.buf, headerSeparator)
		if sep < 0 {
			return nil, false
		}

		length, err := parseContentLength(d.buf[:sep])
		if err != nil {
			// Garbage header: consume it and keep scanning so a
			// single corrupt frame cannot deadlock the stream.
			d.buf = d.buf[sep+len(headerSeparator):]
			continue
		}

		bodyStart := sep + len(headerSeparator)
		if len(d.buf) < bodyStart+length {
			// Body not fully received yet.
			return nil, false
		}

		body := make(json.RawMessage, length)
		copy(body, d.buf[bodyStart:bodyStart+length])
		d.buf = d.buf[bodyStart+length:]

		if !json.Valid(body) {
			// Drop this one message, keep the stream alive.
			continue
		}
		return body, true
	}
}

// NextMessage extracts and unmarshals the next complete JSON-RPC
// message. Bodies that do not decode into a Message are dropped.
func (d *Decoder) NextMessage() (*Message, bool) {
	for {
		body, ok := d.Next()
		if !ok {
			return nil, false
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		return &msg, true
	}
}

// parseContentLength finds the Content-Length header in a header
// block. Matching is case-insensitive per the framing convention.
func parseContentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 || n > maxContentLength {
			return 0, fmt.Errorf("invalid Content-Length value %q", strings.TrimSpace(value))
		}
		return n, nil
	}
	return 0, fmt.Errorf("no Content-Length header in frame")
}
