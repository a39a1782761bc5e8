package relay

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEReaderSingleEvent(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: {\"content\":\"hi\"}\n\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"content":"hi"}`, string(ev.data))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEReaderMultipleDataLines(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: first\ndata: second\n\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(ev.data))
}

func TestSSEReaderEventName(t *testing.T) {
	r := newSSEReader(strings.NewReader("event: message\ndata: x\n\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.name)
	assert.Equal(t, "x", string(ev.data))
}

func TestSSEReaderSkipsCommentsAndBlankLines(t *testing.T) {
	r := newSSEReader(strings.NewReader(": keep-alive\n\n\ndata: a\n\ndata: b\n\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(ev.data))

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", string(ev.data))
}

func TestSSEReaderCRLF(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: hello\r\n\r\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(ev.data))
}

func TestSSEReaderTruncatedEvent(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: partial"))

	_, err := r.Next()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
