// Package sse decodes text/event-stream bodies into discrete frames.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"
)

const maxLineSize = 1 << 20

var (
	// ErrIncompleteFrame is reported when the stream closes while a frame is
	// still being accumulated.
	ErrIncompleteFrame = errors.New("stream closed mid-frame")
	// ErrInvalidEncoding is reported for frames whose data is not valid UTF-8.
	ErrInvalidEncoding = errors.New("frame data is not valid utf-8")
)

// FrameDecodeError describes a frame that could not be decoded. Raw holds
// whatever data had been collected for the frame.
type FrameDecodeError struct {
	Raw string
	Err error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("decode sse frame: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

// Frame is one dispatched event.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Decoder reads frames from an underlying reader. It is not safe for
// concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
	started bool
	done    bool

	event string
	id    string
	data  []string
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame. It returns io.EOF once the stream has ended
// cleanly. A *FrameDecodeError for invalid encoding affects only that frame
// and Next may be called again; any other error is terminal.
func (d *Decoder) Next() (Frame, error) {
	if d.done {
		return Frame{}, io.EOF
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if !d.started {
			d.started = true
			line = strings.TrimPrefix(line, "\uFEFF")
		}

		if line == "" {
			if frame, ok, err := d.dispatch(); ok || err != nil {
				return frame, err
			}
			continue
		}
		d.field(line)
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return Frame{}, &FrameDecodeError{Raw: strings.Join(d.data, "\n"), Err: err}
	}
	if len(d.data) > 0 {
		raw := strings.Join(d.data, "\n")
		d.reset()
		return Frame{}, &FrameDecodeError{Raw: raw, Err: ErrIncompleteFrame}
	}
	return Frame{}, io.EOF
}

func (d *Decoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}

	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "data":
		d.data = append(d.data, value)
	case "event":
		d.event = value
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.id = value
		}
	}
}

func (d *Decoder) dispatch() (Frame, bool, error) {
	defer d.reset()

	if len(d.data) == 0 {
		return Frame{}, false, nil
	}

	data := strings.Join(d.data, "\n")
	if !utf8.ValidString(data) {
		return Frame{}, false, &FrameDecodeError{Raw: data, Err: ErrInvalidEncoding}
	}
	return Frame{Event: d.event, ID: d.id, Data: data}, true, nil
}

func (d *Decoder) reset() {
	d.event = ""
	d.data = d.data[:0]
}

// Payloads yields the data payload of every frame read from r. Decode errors
// are yielded in place of the frame they affect; the sequence stops after a
// terminal error.
func Payloads(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dec := NewDecoder(r)
		for {
			frame, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if !yield("", err) || dec.done {
					return
				}
				continue
			}
			if !yield(frame.Data, nil) {
				return
			}
		}
	}
}

// scanLines splits on "\n", "\r\n" or a lone "\r".
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
