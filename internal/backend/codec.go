package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxContentLength bounds a single frame.
const maxContentLength = 64 << 20

// Codec frames JSON-RPC messages with a Content-Length header block.
// Header names are matched case-insensitively and headers other than
// Content-Length are ignored.
type Codec struct{}

// WriteObject implements jsonrpc2.ObjectCodec.
func (Codec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := fmt.Fprintf(stream, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

// ReadObject implements jsonrpc2.ObjectCodec.
func (Codec) ReadObject(stream *bufio.Reader, v interface{}) error {
	body, err := ReadFrame(stream)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &FramingError{Reason: "invalid message body", Err: err}
	}
	return nil
}

// ReadFrame reads one framed message body. A clean end of stream before
// any header byte is io.EOF.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	first := true
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && first && line == "" {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		first = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", value), Err: err}
		}
		if n < 0 || n > maxContentLength {
			return nil, &FramingError{Reason: fmt.Sprintf("Content-Length %d out of range", n)}
		}
		length = n
	}

	if length <= 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
