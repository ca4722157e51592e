package llmwire

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event. Name is empty for providers that emit
// bare data lines; Data is the concatenation of the event's data fields.
type sseEvent struct {
	Name string
	Data string
}

// sseScanner incrementally parses a text/event-stream body. It tolerates
// comment lines and CRLF line endings and joins multi-line data fields
// with newlines per the SSE framing rules.
type sseScanner struct {
	scanner *bufio.Scanner
}

const sseMaxLineBytes = 1 << 20

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)
	return &sseScanner{scanner: sc}
}

// Next returns the next complete event, or io.EOF when the stream ends.
func (s *sseScanner) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if len(data) > 0 || ev.Name != "" {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}
