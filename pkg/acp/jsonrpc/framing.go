package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing selects how messages are delimited on the byte stream.
type Framing string

const (
	// FramingNewline is one JSON document per line.
	FramingNewline Framing = "ndjson"
	// FramingContentLength is an LSP-style header block followed by the body.
	FramingContentLength Framing = "content-length"
)

const (
	maxHeaderBytes = 8 << 10
	maxFrameBytes  = 32 << 20
	maxChunkInErr  = 200
	readChunkSize  = 64 << 10
)

// ParseFraming accepts the framing names used in config and the agent catalogue.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ndjson", "newline", "line", "jsonl":
		return FramingNewline, nil
	case "content-length", "lsp", "header":
		return FramingContentLength, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// Encode serialises msg as one frame.
func Encode(mode Framing, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if mode == FramingContentLength {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
		out := make([]byte, 0, len(header)+len(body))
		out = append(out, header...)
		return append(out, body...), nil
	}
	return append(body, '\n'), nil
}

// DecodeError describes a chunk of input that was discarded.
// Decoding continues after it.
type DecodeError struct {
	Framing Framing
	Reason  string
	Chunk   string
}

func (e *DecodeError) Error() string {
	if e.Chunk == "" {
		return fmt.Sprintf("jsonrpc %s decode: %s", e.Framing, e.Reason)
	}
	return fmt.Sprintf("jsonrpc %s decode: %s: %q", e.Framing, e.Reason, e.Chunk)
}

func decodeErr(mode Framing, reason string, chunk []byte) *DecodeError {
	if len(chunk) > maxChunkInErr {
		chunk = chunk[:maxChunkInErr]
	}
	return &DecodeError{Framing: mode, Reason: reason, Chunk: string(chunk)}
}

// Decode extracts every complete message from buf. Incomplete trailing input
// is returned in rest (which may alias buf). Malformed chunks are dropped and
// reported in errs.
func Decode(mode Framing, buf []byte) (msgs []json.RawMessage, rest []byte, errs []error) {
	if mode == FramingContentLength {
		return decodeContentLength(buf)
	}
	return decodeLines(buf)
}

func decodeLines(buf []byte) ([]json.RawMessage, []byte, []error) {
	var msgs []json.RawMessage
	var errs []error
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			errs = append(errs, decodeErr(FramingNewline, "invalid json", line))
			continue
		}
		msgs = append(msgs, json.RawMessage(bytes.Clone(line)))
	}
	return msgs, buf, errs
}

func decodeContentLength(buf []byte) ([]json.RawMessage, []byte, []error) {
	var msgs []json.RawMessage
	var errs []error
	for {
		buf = bytes.TrimLeft(buf, "\r\n")
		if len(buf) == 0 {
			break
		}
		end, sepLen := headerEnd(buf)
		if end < 0 {
			if len(buf) > maxHeaderBytes {
				errs = append(errs, decodeErr(FramingContentLength, "header block too large", buf))
				buf = buf[len(buf):]
			}
			break
		}
		header := buf[:end]
		bodyStart := end + sepLen
		length, ok := contentLength(header)
		if !ok {
			errs = append(errs, decodeErr(FramingContentLength, "missing Content-Length header", header))
			buf = buf[bodyStart:]
			continue
		}
		if length > maxFrameBytes {
			errs = append(errs, decodeErr(FramingContentLength, "frame exceeds size limit", header))
			buf = buf[bodyStart:]
			continue
		}
		if len(buf)-bodyStart < length {
			break
		}
		body := buf[bodyStart : bodyStart+length]
		buf = buf[bodyStart+length:]
		if !json.Valid(body) {
			errs = append(errs, decodeErr(FramingContentLength, "invalid json", body))
			continue
		}
		msgs = append(msgs, json.RawMessage(bytes.Clone(body)))
	}
	return msgs, buf, errs
}

// headerEnd finds the blank line closing a header block, accepting both
// CRLF and bare LF line endings.
func headerEnd(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func contentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Decoder reads frames from a stream.
type Decoder struct {
	r     io.Reader
	mode  Framing
	buf   []byte
	chunk []byte
	queue []json.RawMessage
	errs  []error
	err   error
}

// NewDecoder creates a decoder for the given framing.
func NewDecoder(r io.Reader, mode Framing) *Decoder {
	return &Decoder{r: r, mode: mode, chunk: make([]byte, readChunkSize)}
}

// Next returns the next message. A *DecodeError reports a discarded chunk;
// the caller may keep calling Next. Any other error is terminal.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		if len(d.queue) > 0 {
			msg := d.queue[0]
			d.queue = d.queue[1:]
			return msg, nil
		}
		if len(d.errs) > 0 {
			err := d.errs[0]
			d.errs = d.errs[1:]
			return nil, err
		}
		if d.err != nil {
			return nil, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.feed(d.chunk[:n])
		}
		if err != nil {
			// A final line without trailing newline is still a message.
			if err == io.EOF && d.mode == FramingNewline && len(bytes.TrimSpace(d.buf)) > 0 {
				d.feed([]byte{'\n'})
			}
			d.err = err
		}
	}
}

func (d *Decoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
	msgs, rest, errs := Decode(d.mode, d.buf)
	d.queue = append(d.queue, msgs...)
	d.errs = append(d.errs, errs...)
	d.buf = append(d.buf[:0], rest...)
	if len(d.buf) > maxFrameBytes {
		d.errs = append(d.errs, decodeErr(d.mode, "unterminated frame exceeds size limit", d.buf))
		d.buf = d.buf[:0]
	}
}
