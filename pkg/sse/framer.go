// Package sse decodes server-sent event byte streams into discrete records.
//
// Records are separated by a blank line. Within a record only lines carrying
// the data marker contribute to the payload; multiple data lines are joined
// with a newline. The scanner is lazy, finite and non-restartable.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const dataPrefix = "data:"

// maxLineBytes bounds a single SSE line. Generation backends chunk deltas
// well below this, but a runaway line must not OOM the client.
const maxLineBytes = 1024 * 1024

// Scanner yields one payload string per SSE record.
type Scanner struct {
	sc   *bufio.Scanner
	done bool
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Scanner{sc: sc}
}

// Next returns the next record payload. It returns io.EOF once the stream is
// exhausted; residual data lines before EOF are flushed as a final record.
// Any other error comes from the underlying reader (including cancellation).
func (s *Scanner) Next() (string, error) {
	if s == nil || s.done {
		return "", io.EOF
	}
	var lines []string
	for s.sc.Scan() {
		line := strings.TrimRight(s.sc.Text(), "\r")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, dataPrefix)
		payload = strings.TrimPrefix(payload, " ")
		lines = append(lines, payload)
	}
	s.done = true
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), nil
	}
	return "", io.EOF
}
