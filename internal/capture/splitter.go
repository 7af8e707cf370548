package capture

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// splitter cuts a byte stream into lines on '\n'. A trailing '\r' is
// dropped and empty lines are skipped. Lines longer than max are emitted
// in max-sized pieces.
type splitter struct {
	buf []byte
	max int
}

func newSplitter(max int) *splitter {
	return &splitter{buf: make([]byte, 0, 256), max: max}
}

func (s *splitter) feed(data []byte, emit func([]byte)) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.buf = append(s.buf, data...)
			data = nil
		} else {
			s.buf = append(s.buf, data[:i]...)
			data = data[i+1:]
			s.emitLine(emit)
		}
		for s.max > 0 && len(s.buf) >= s.max {
			emit(s.buf[:s.max])
			s.buf = append(s.buf[:0], s.buf[s.max:]...)
		}
	}
}

// pending reports whether a partial line is buffered.
func (s *splitter) pending() bool {
	return len(s.buf) > 0
}

// flush emits the partial line, if any.
func (s *splitter) flush(emit func([]byte)) {
	s.emitLine(emit)
}

func (s *splitter) emitLine(emit func([]byte)) {
	line := bytes.TrimSuffix(s.buf, []byte{'\r'})
	for s.max > 0 && len(line) > s.max {
		emit(line[:s.max])
		line = line[s.max:]
	}
	if len(line) > 0 {
		emit(line)
	}
	s.buf = s.buf[:0]
}

// decode returns line as text. Bytes that are not valid UTF-8 are read as
// Latin-1, which maps every byte to a rune; ANSI escapes pass through.
func decode(line []byte) string {
	if utf8.Valid(line) {
		return string(line)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(line)
	if err != nil {
		return string(line)
	}
	return string(out)
}
