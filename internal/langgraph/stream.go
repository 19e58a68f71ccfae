package langgraph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event from a run stream.
type Event struct {
	Event string
	Data  json.RawMessage
}

// Stream reads server-sent events from a run. The caller must Close it.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// NewStream reads server-sent events from body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// Next returns the next event. It returns io.EOF after the upstream closes
// the stream or sends an "end" event.
func (s *Stream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	var ev Event
	var data bytes.Buffer
	pending := func() bool { return ev.Event != "" || data.Len() > 0 }
	emit := func() (Event, error) {
		if ev.Event == "end" {
			s.done = true
			return Event{}, io.EOF
		}
		ev.Data = json.RawMessage(data.Bytes())
		return ev, nil
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if pending() {
				if eof {
					s.done = true
				}
				return emit()
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if eof {
			s.done = true
			if pending() {
				return emit()
			}
			return Event{}, io.EOF
		}
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
