package event

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Encoder writes events in SSE wire format:
//
//	event: <name>\n
//	data: <json>\n
//	\n
//
// Encoder is not safe for concurrent use; serialise callers.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event. The payload is emitted on a single data line;
// JSON never contains raw newlines.
func (e *Encoder) Encode(ev Event) error {
	data := string(ev.Data)
	if data == "" {
		data = "null"
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return fmt.Errorf("event: encode %s: %w", ev.Name, err)
	}
	return nil
}

// Decoder reads SSE-formatted events from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: sc}
}

// Decode reads the next event. It returns [io.EOF] when the stream ends
// cleanly. Fields other than event/data are ignored; a record without an
// event name is skipped.
func (d *Decoder) Decode() (Event, error) {
	var (
		ev      Event
		haveAny bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if haveAny && ev.Name != "" {
				return ev, nil
			}
			// Blank separator with no usable record; keep scanning.
			ev = Event{}
			haveAny = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			haveAny = true
		case strings.HasPrefix(line, "data:"):
			ev.Data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			haveAny = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	if haveAny && ev.Name != "" {
		// Final record unterminated by a blank line.
		return ev, nil
	}
	return Event{}, io.EOF
}
