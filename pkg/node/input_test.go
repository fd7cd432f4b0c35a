package node

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(lr *LineReader) []string {
	var out []string
	for line := range lr.Lines() {
		out = append(out, line)
	}
	return out
}

func TestLineReaderSkipsBlankLines(t *testing.T) {
	lr := NewLineReader(strings.NewReader("hello\n\n   \n  world  \n"))
	require.Equal(t, []string{"hello", "world"}, collect(lr))
	require.ErrorIs(t, lr.Err(), io.EOF)
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("tty gone") }

func TestLineReaderReportsReadError(t *testing.T) {
	lr := NewLineReader(brokenReader{})
	require.Empty(t, collect(lr))
	require.EqualError(t, lr.Err(), "tty gone")
}
