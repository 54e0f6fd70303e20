package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Framer splits a raw byte stream into frame payloads. Next returns io.EOF
// when the underlying stream ends cleanly.
type Framer interface {
	Next() ([]byte, error)
}

// sseFramer reads Server-Sent-Events: "data:" lines accumulate until a blank
// line dispatches the event. "event:" and comment lines are skipped; the
// event type is carried inside the JSON payload by every wire family that
// uses SSE.
type sseFramer struct {
	reader *bufio.Reader
	data   bytes.Buffer
}

// NewSSEFramer creates a framer for text/event-stream bodies.
func NewSSEFramer(r io.Reader) Framer {
	return &sseFramer{reader: bufio.NewReader(r)}
}

func (f *sseFramer) Next() ([]byte, error) {
	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && f.data.Len() > 0 {
				return f.flush(), nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if f.data.Len() > 0 {
				return f.flush(), nil
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if f.data.Len() > 0 {
			f.data.WriteByte('\n')
		}
		f.data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
}

func (f *sseFramer) flush() []byte {
	payload := make([]byte, f.data.Len())
	copy(payload, f.data.Bytes())
	f.data.Reset()
	return payload
}

// ndjsonFramer reads newline-delimited JSON: one frame per non-empty line.
type ndjsonFramer struct {
	reader *bufio.Reader
}

// NewNDJSONFramer creates a framer for application/x-ndjson bodies.
func NewNDJSONFramer(r io.Reader) Framer {
	return &ndjsonFramer{reader: bufio.NewReader(r)}
}

func (f *ndjsonFramer) Next() ([]byte, error) {
	for {
		line, err := f.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
