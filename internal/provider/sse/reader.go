// Package sse reads the `data:` lines of a server-sent event stream.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrDone is returned when the stream sends the `[DONE]` sentinel.
var ErrDone = errors.New("sse: stream done")

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Reader yields one payload per `data:` line.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next data line. Blank lines, comments and
// other fields (event:, id:, retry:) are skipped. It returns io.EOF at the end
// of the stream and ErrDone on the sentinel.
func (s *Reader) Next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if payload, ok := dataPayload(line); ok {
				if bytes.Equal(payload, doneMarker) {
					return nil, ErrDone
				}
				return payload, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}
