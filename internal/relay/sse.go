package relay

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one server-sent event. Data holds the concatenated payload of
// all data lines in the event.
type sseEvent struct {
	name string
	data []byte
}

// sseReader incrementally parses a text/event-stream body. Events split
// across transport chunks reassemble transparently through the buffered
// reader; Next returns only whole events.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// Next returns the next complete event, or io.EOF when the stream ends. A
// stream ending mid-event discards the partial event.
func (s *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data [][]byte
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (line != "" || len(data) > 0 || ev.name != "") {
				// incomplete event, no terminating blank line
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) == 0 && ev.name == "" {
				continue // stray blank line between events
			}
			ev.data = bytes.Join(data, []byte("\n"))
			return ev, nil
		case strings.HasPrefix(line, ":"):
			continue // comment line, used for keep-alives
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			data = append(data, []byte(payload))
		}
	}
}
