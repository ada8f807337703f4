package hub

import (
	"bufio"
	"io"
	"strings"
)

// Record is one server-sent event as read off the wire.
type Record struct {
	// ID is the last `id:` field seen in the record, if any.
	ID string
	// Event is the `event:` field, if any.
	Event string
	// Topics collects explicit `topic:` hints. The hub tags events with the
	// channels they were published on; an empty slice means the event carried
	// no hint and routing falls back to payload inspection.
	Topics []string
	// Data is the newline-joined concatenation of all `data:` lines.
	Data string
}

// RecordReader reads blank-line-delimited SSE records from a stream.
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps r for incremental record parsing.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next complete record. A record is terminated by a blank
// line; a trailing record cut off by stream end is returned before the read
// error is surfaced on the following call. Comment lines (leading ':') and
// blank lines between records are skipped.
func (rr *RecordReader) Next() (*Record, error) {
	rec := &Record{}
	var data []string
	have := false

	for {
		line, err := rr.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if err == nil && trimmed == "" {
			if !have {
				continue // stray blank line / keepalive between records
			}
			rec.Data = strings.Join(data, "\n")
			return rec, nil
		}

		if trimmed != "" && !strings.HasPrefix(trimmed, ":") {
			name, value := splitField(trimmed)
			switch name {
			case "data":
				data = append(data, value)
				have = true
			case "topic":
				if value != "" {
					rec.Topics = append(rec.Topics, value)
				}
				have = true
			case "id":
				rec.ID = value
				have = true
			case "event":
				rec.Event = value
				have = true
			}
		}

		if err != nil {
			if have {
				rec.Data = strings.Join(data, "\n")
				return rec, nil
			}
			return nil, err
		}
	}
}

// splitField splits a "name: value" line, trimming exactly one leading space
// from the value as the SSE format requires. A line without a colon is a
// field name with an empty value.
func splitField(line string) (name, value string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}
