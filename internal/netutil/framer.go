package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultMaxLine is the leniency bound: a buffer this long without a
// terminator is returned as a completed line.
const DefaultMaxLine = 1024

// ErrNoLine is returned when no terminator arrived before the timeout.
// Bytes read so far stay buffered for the next call.
var ErrNoLine = errors.New("no line before timeout")

type Terminator int

const (
	// CRLF ends a line on LF, stripping a preceding CR. A bare CR is data.
	CRLF Terminator = iota
	// AnyNewline ends a line on CR, LF or CRLF. An LF or NUL right after a
	// CR terminator is swallowed.
	AnyNewline
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Framer turns a byte stream into lines.
type Framer struct {
	r       io.Reader
	dl      deadliner
	mode    Terminator
	maxSize int
	filter  func([]byte) []byte
	echo    io.Writer

	chunk   []byte
	pending []byte
	buf     []byte
	afterCR bool
	err     error
}

type Option func(*Framer)

func WithMaxSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// WithFilter runs every chunk read from the stream through fn before framing.
func WithFilter(fn func([]byte) []byte) Option {
	return func(f *Framer) { f.filter = fn }
}

// WithEcho writes typed characters back, as a terminal in raw mode expects.
func WithEcho(w io.Writer) Option {
	return func(f *Framer) { f.echo = w }
}

// NewFramer wraps r. If r can set read deadlines, ReadLine timeouts are
// enforced with them; otherwise the caller is responsible for bounding reads.
func NewFramer(r io.Reader, mode Terminator, opts ...Option) *Framer {
	f := &Framer{
		r:       r,
		mode:    mode,
		maxSize: DefaultMaxLine,
		chunk:   make([]byte, 512),
	}
	if dl, ok := r.(deadliner); ok {
		f.dl = dl
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ReadLine returns the next line without its terminator. It returns
// ErrNoLine on timeout and io.EOF once the stream is closed.
func (f *Framer) ReadLine(timeout time.Duration) (string, error) {
	if f.dl != nil {
		if timeout > 0 {
			f.dl.SetReadDeadline(time.Now().Add(timeout))
		} else {
			f.dl.SetReadDeadline(time.Time{})
		}
	}

	for {
		for len(f.pending) > 0 {
			b := f.pending[0]
			f.pending = f.pending[1:]

			if line, done := f.consume(b); done {
				return line, nil
			}
		}

		if f.err != nil {
			return f.flushOnError()
		}

		n, err := f.r.Read(f.chunk)
		if n > 0 {
			data := f.chunk[:n]
			if f.filter != nil {
				data = f.filter(data)
			}
			f.pending = append(f.pending[:0], data...)
		}
		if err != nil {
			if isTimeout(err) {
				if n == 0 {
					return "", ErrNoLine
				}
				continue
			}
			f.err = err
		} else if n == 0 {
			f.err = io.EOF
		}
	}
}

// consume appends one byte and reports whether a line is complete.
func (f *Framer) consume(b byte) (string, bool) {
	if f.afterCR {
		f.afterCR = false
		if b == '\n' || b == 0 {
			return "", false
		}
	}

	switch {
	case b == '\n':
		line := f.buf
		if f.mode == CRLF && len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		return f.complete(line), true
	case b == '\r' && f.mode == AnyNewline:
		f.afterCR = true
		return f.complete(f.buf), true
	case (b == 0x7f || b == 0x08) && f.echo != nil:
		if len(f.buf) > 0 {
			f.buf = f.buf[:len(f.buf)-1]
			f.echo.Write([]byte("\b \b"))
		}
		return "", false
	}

	if f.echo != nil {
		f.echo.Write([]byte{b})
	}
	f.buf = append(f.buf, b)
	if len(f.buf) >= f.maxSize {
		return f.complete(f.buf), true
	}
	return "", false
}

func (f *Framer) complete(line []byte) string {
	if f.echo != nil && len(line) < f.maxSize {
		f.echo.Write([]byte("\r\n"))
	}
	s := Decode(line)
	f.buf = f.buf[:0]
	return s
}

// flushOnError hands back a trailing partial line once before the error.
func (f *Framer) flushOnError() (string, error) {
	if len(f.buf) > 0 {
		s := Decode(f.buf)
		f.buf = f.buf[:0]
		return s, nil
	}
	if errors.Is(f.err, io.EOF) {
		return "", io.EOF
	}
	return "", f.err
}

// Buffered reports how many bytes of an unterminated line are held.
func (f *Framer) Buffered() int { return len(f.buf) }

// Decode converts wire bytes to text, dropping invalid UTF-8.
func Decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
