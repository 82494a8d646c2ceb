// Package backend talks to the upstream generation service over HTTP and
// turns its server-sent-event stream into typed generation events.
package backend

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const dataPrefix = "data: "

// doneSentinel terminates the upstream stream.
const doneSentinel = "[DONE]"

// Decoder extracts the JSON payload of each data frame from an SSE byte
// stream. It is chunk-boundary agnostic: payloads split across reads are
// reassembled, and a trailing fragment without a newline is never surfaced.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder wraps r for frame decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the payload of the next data frame. It returns io.EOF when
// the [DONE] sentinel arrives or the underlying stream ends. Non-data lines
// (blank separators, comments, other SSE fields) are skipped.
func (d *Decoder) Next() (string, error) {
	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A partial line with no newline is an incomplete frame.
				return "", io.EOF
			}
			return "", fmt.Errorf("read line: %w", err)
		}

		// Strip only the line terminator. The field name must sit at the
		// start of the line, and the payload is passed through byte-exact.
		line = strings.TrimRight(line, "\r\n")

		// Skip blank separators and comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimPrefix(line, dataPrefix)

		if data == doneSentinel {
			return "", io.EOF
		}

		return data, nil
	}
}
