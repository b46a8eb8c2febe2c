package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxLineSize bounds a single event-stream line.
const maxLineSize = 1024 * 1024

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// ReadEvents parses an event stream from r and calls fn for every dispatched
// event. It returns ErrStreamClosed when r ends, ErrMalformedFrame for lines
// that cannot be read, or the first error returned by fn.
func ReadEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	var (
		eventType string
		lastID    string
		data      bytes.Buffer
		hasData   bool
	)

	dispatch := func() error {
		defer func() {
			eventType = ""
			data.Reset()
			hasData = false
		}()
		if !hasData {
			return nil
		}
		ev := Event{ID: lastID, Type: eventType, Data: data.String()}
		if ev.Type == "" {
			ev.Type = "message"
		}
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = bytes.TrimPrefix(line[i+1:], []byte(" "))
		}

		switch string(field) {
		case "event":
			eventType = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				lastID = string(value)
			}
		case "retry":
			// Reconnect timing is fixed by the ingestor.
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return err
	}
	// A trailing event without its blank line is incomplete and is dropped.
	return ErrStreamClosed
}
