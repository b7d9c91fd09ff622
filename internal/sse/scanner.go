// Package sse implements incremental parsing and writing of Server-Sent
// Events frames. The scanner never buffers more than one record: it is meant
// to sit directly on a live upstream response body of indefinite length.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Event is one blank-line-terminated SSE record. ID and Name are optional;
// Data is the concatenation of all data: fields with embedded newlines
// preserved.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// IsEmpty reports whether the record carried no id, name, or data fields.
// Records made only of comments or unknown fields parse as empty and are not
// surfaced by Next.
func (e Event) IsEmpty() bool {
	return e.ID == "" && e.Name == "" && len(e.Data) == 0
}

// maxLineBytes bounds a single field line. A line beyond this is a framing
// error: the scanner drops the enclosing record and resumes at the next blank
// line boundary.
const maxLineBytes = 1 << 20

// Scanner incrementally parses an SSE byte stream into events.
//
// Next returns io.EOF after a well-formed end of stream (the final record, if
// any, was blank-line terminated). A stream that ends mid-record returns
// io.ErrUnexpectedEOF so the caller can distinguish an abrupt disconnect from
// normal termination.
type Scanner struct {
	r       *bufio.Reader
	skipped int
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 4096)}
}

// Skipped returns the number of records dropped due to framing errors.
func (s *Scanner) Skipped() int { return s.skipped }

// Next blocks until the next complete record is available or the stream ends.
func (s *Scanner) Next() (Event, error) {
	var (
		ev      Event
		data    bytes.Buffer
		sawData bool
		dirty   bool // any field line seen since the last blank line
		broken  bool // current record had a framing error; drop it
	)

	for {
		line, err := s.readLine()
		if err != nil {
			switch err {
			case io.EOF:
				if dirty {
					// The upstream went away mid-record.
					return Event{}, io.ErrUnexpectedEOF
				}
				return Event{}, io.EOF
			case errPartialLine:
				return Event{}, io.ErrUnexpectedEOF
			case errLineTooLong:
				broken = true
				dirty = true
				continue
			}
			return Event{}, err
		}

		if line == "" {
			// Record boundary.
			if broken {
				s.skipped++
				ev, data = Event{}, bytes.Buffer{}
				sawData, dirty, broken = false, false, false
				continue
			}
			if sawData {
				ev.Data = data.Bytes()
			}
			if !ev.IsEmpty() {
				return ev, nil
			}
			// Comment-only or empty record; keep scanning.
			ev, data = Event{}, bytes.Buffer{}
			sawData, dirty = false, false
			continue
		}

		dirty = true
		if broken {
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment / keep-alive. Not part of the record.
			continue
		}

		field, value := splitField(line)
		switch field {
		case "id":
			// Per the SSE spec an id containing NUL is ignored.
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
			}
		case "event":
			ev.Name = value
		case "data":
			if sawData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			sawData = true
		default:
			// Unknown fields (including retry:) are ignored.
		}
	}
}

var (
	errLineTooLong = errors.New("sse: field line exceeds limit")
	errPartialLine = errors.New("sse: stream ended mid-line")
)

// readLine reads one line, tolerating both LF and CRLF terminators. A line
// longer than maxLineBytes is consumed without buffering and reported as
// errLineTooLong.
func (s *Scanner) readLine() (string, error) {
	var b []byte
	tooLong := false
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !tooLong {
			b = append(b, chunk...)
			if len(b) > maxLineBytes {
				tooLong = true
				b = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				if tooLong || len(b) > 0 {
					// Partial line at EOF: the record it belongs to is incomplete.
					return "", errPartialLine
				}
				return "", io.EOF
			}
			return "", err
		}
		if tooLong {
			return "", errLineTooLong
		}
		line := strings.TrimSuffix(string(b), "\n")
		line = strings.TrimSuffix(line, "\r")
		return line, nil
	}
}

// splitField splits "field: value", trimming the single optional space after
// the colon per the SSE grammar.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
