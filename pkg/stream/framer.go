// Package stream splits raw process output into lines.
package stream

import "bytes"

// Line is one framed line. Text excludes the terminator; Terminator is
// "\n", "\r\n", or "" for a trailing remainder flushed at end of stream.
type Line struct {
	Text       string
	Terminator string
}

// Raw returns the line exactly as it appeared in the stream.
func (l Line) Raw() string {
	return l.Text + l.Terminator
}

// Framer accumulates chunks and yields complete lines. It is not safe for
// concurrent use; each stream gets its own Framer.
type Framer struct {
	buf []byte
}

// Feed appends chunk and returns every line it completes. A "\r" at the end
// of the buffered data is held back until the next byte shows whether it
// starts a "\r\n" terminator.
func (f *Framer) Feed(chunk []byte) []Line {
	if len(chunk) == 0 {
		return nil
	}
	f.buf = append(f.buf, chunk...)

	var lines []Line
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		text, term := f.buf[:i], "\n"
		if i > 0 && f.buf[i-1] == '\r' {
			text, term = f.buf[:i-1], "\r\n"
		}
		lines = append(lines, Line{Text: string(text), Terminator: term})
		f.buf = f.buf[i+1:]
	}

	switch {
	case len(f.buf) == 0:
		f.buf = nil
	case len(lines) > 0:
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the framer.
func (f *Framer) Flush() (Line, bool) {
	if len(f.buf) == 0 {
		return Line{}, false
	}
	l := Line{Text: string(f.buf)}
	f.buf = nil
	return l, true
}

// Remainder is the buffered text not yet terminated.
func (f *Framer) Remainder() string {
	return string(f.buf)
}
