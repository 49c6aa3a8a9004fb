package format

// text.go wraps payload readers so tokenizers always see clean UTF-8:
//
//   - BOMSkippingReader drops a leading UTF-8 byte order mark
//   - DecodeCharset converts legacy encodings (latin1, windows-1252, ...)
//   - UTF8Sanitizer replaces invalid byte sequences with '?'
//
// NewTextReader applies all three in that order.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader skips a UTF-8 BOM at the start of the stream.
type BOMSkippingReader struct {
	r       *bufio.Reader
	checked bool
}

// NewBOMSkippingReader wraps r.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{r: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (b *BOMSkippingReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head, err := b.r.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			if _, err := b.r.Discard(len(utf8BOM)); err != nil {
				return 0, err
			}
		}
	}
	return b.r.Read(p)
}

// DecodeCharset returns a reader converting r from the named charset to
// UTF-8. Empty names and UTF-8 aliases return r unchanged.
func DecodeCharset(r io.Reader, name string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", name, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// UTF8Sanitizer replaces invalid UTF-8 bytes with '?'. A multi-byte
// sequence split across reads is carried over to the next call.
type UTF8Sanitizer struct {
	r       io.Reader
	carry   []byte
	scratch []byte
}

// NewUTF8Sanitizer wraps r.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{r: r}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cap(s.scratch) < len(p) {
		s.scratch = make([]byte, len(p))
	}

	buf := append(s.scratch[:0], s.carry...)
	s.carry = s.carry[:0]

	room := len(p) - len(buf)
	if room <= 0 {
		room = 1
	}
	chunk := make([]byte, room)
	n, err := s.r.Read(chunk)
	buf = append(buf, chunk[:n]...)
	atEOF := err == io.EOF

	out := 0
	for i := 0; i < len(buf); {
		if out == len(p) {
			s.carry = append(s.carry, buf[i:]...)
			break
		}
		c := buf[i]
		if c < utf8.RuneSelf {
			p[out] = c
			out++
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(buf[i:]) {
			s.carry = append(s.carry, buf[i:]...)
			break
		}
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size == 1 {
			p[out] = '?'
			out++
			i++
			continue
		}
		if out+size > len(p) {
			s.carry = append(s.carry, buf[i:]...)
			break
		}
		copy(p[out:], buf[i:i+size])
		out += size
		i += size
	}

	if out == 0 && len(s.carry) > 0 && err == nil {
		// Only a partial rune so far; read again.
		return s.Read(p)
	}
	if len(s.carry) > 0 && atEOF {
		err = nil
	}
	return out, err
}

// NewTextReader strips a BOM, decodes charset and sanitizes UTF-8.
func NewTextReader(r io.Reader, charset string) (io.Reader, error) {
	decoded, err := DecodeCharset(NewBOMSkippingReader(r), charset)
	if err != nil {
		return nil, err
	}
	return NewUTF8Sanitizer(decoded), nil
}
