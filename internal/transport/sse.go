package transport

import (
	"bufio"
	"io"
	"strings"
)

type event struct {
	name string
	data string
}

// eventReader splits an SSE body into events as bytes arrive.
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	return &eventReader{sc: sc}
}

// next returns the next dispatched event, or io.EOF at the end of the body.
func (r *eventReader) next() (event, error) {
	var (
		ev      event
		data    []string
		hasData bool
	)
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if line == "" {
			if hasData || ev.name != "" {
				ev.data = strings.Join(data, "\n")
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
			ev.name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return event{}, err
	}
	if hasData || ev.name != "" {
		ev.data = strings.Join(data, "\n")
		return ev, nil
	}
	return event{}, io.EOF
}
