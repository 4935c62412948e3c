package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStopStream may be returned by an SSE callback to end reading without
// error.
var ErrStopStream = errors.New("stop stream")

const maxEventBytes = 1 << 20

// ReadSSE reads server-sent events from r and calls fn with the event name
// (empty when the stream does not name events) and the data payload of each.
func ReadSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var (
		event string
		data  []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return err
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return stopOK(err)
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stopOK(dispatch())
}

func stopOK(err error) error {
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	return err
}
