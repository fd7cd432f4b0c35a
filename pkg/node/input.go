package node

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FatalInputError means the operator's input stream ended or failed. It is the
// only error that stops the event loop.
type FatalInputError struct {
	Err error
}

func (e *FatalInputError) Error() string {
	return fmt.Sprintf("local input closed: %v", e.Err)
}

func (e *FatalInputError) Unwrap() error { return e.Err }

// LineReader turns a blocking reader into a channel of trimmed, non-empty
// lines. The channel is closed when the reader ends; Err then tells why.
type LineReader struct {
	lines chan string
	err   error
}

func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{lines: make(chan string, 16)}
	go lr.run(r)
	return lr
}

func (lr *LineReader) run(r io.Reader) {
	defer close(lr.lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lr.lines <- line
	}
	lr.err = scanner.Err()
	if lr.err == nil {
		lr.err = io.EOF
	}
}

func (lr *LineReader) Lines() <-chan string { return lr.lines }

// Err is only meaningful once Lines is closed.
func (lr *LineReader) Err() error { return lr.err }

// IsFatal reports whether err should terminate the process.
func IsFatal(err error) bool {
	var fatal *FatalInputError
	return errors.As(err, &fatal)
}
