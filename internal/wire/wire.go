// Package wire provides message framing for the ingestion protocol.
//
// Two framings are supported:
//   - ndjson: one message per newline-terminated line (default)
//   - varint: each message is prefixed with its length as an unsigned
//     protobuf varint, as in protobuf's delimited encoding
//
// Acks travel back to the instrument using the same framing.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Mode selects the framing discipline.
type Mode int

const (
	ModeNDJSON Mode = iota
	ModeVarint
)

func (m Mode) String() string {
	switch m {
	case ModeNDJSON:
		return "ndjson"
	case ModeVarint:
		return "varint"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a framing name. The empty string selects ndjson.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ndjson", "newline", "lines":
		return ModeNDJSON, nil
	case "varint", "length", "length-prefixed":
		return ModeVarint, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", s)
	}
}

// maxVarintLen is the longest encoding of a uint64 varint.
const maxVarintLen = 10

// =============================================================================
// Reader
// =============================================================================

// Reader reads frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r    *bufio.Reader
	mode Mode
	max  int
	mu   sync.Mutex
}

// NewReader creates a Reader. maxSize <= 0 selects the default limit.
func NewReader(r io.Reader, mode Mode, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = config.DefaultMaxMessageSize
	}
	return &Reader{r: bufio.NewReader(r), mode: mode, max: maxSize}
}

// Read returns the next frame. A frame larger than the limit is consumed
// and discarded and errors.ErrFrameTooLarge is returned; the reader remains
// positioned at the following frame. io.EOF is returned at a clean end of
// stream.
func (r *Reader) Read() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeVarint {
		return r.readDelimited()
	}
	return r.readLine()
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false

	for {
		chunk, err := r.r.ReadSlice('\n')
		if !tooLarge {
			// Two extra bytes leave room for the "\r\n" terminator.
			if len(buf)+len(chunk) > r.max+2 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			if tooLarge {
				return nil, errors.ErrFrameTooLarge
			}
			// An unterminated final line is still a frame.
			if line := trimLine(buf); len(line) > 0 {
				return r.checked(line)
			}
			return nil, io.EOF
		case err != nil:
			return nil, fmt.Errorf("read frame: %w", err)
		}

		if tooLarge {
			return nil, errors.ErrFrameTooLarge
		}
		line := trimLine(buf)
		if len(line) == 0 {
			buf = buf[:0]
			continue
		}
		return r.checked(line)
	}
}

func (r *Reader) checked(line []byte) ([]byte, error) {
	if len(line) > r.max {
		return nil, errors.ErrFrameTooLarge
	}
	return line, nil
}

func trimLine(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *Reader) readDelimited() ([]byte, error) {
	var prefix [maxVarintLen]byte
	n := 0
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && n > 0 {
				return nil, fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF)
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if n == maxVarintLen {
			return nil, fmt.Errorf("read frame: %w: bad length prefix", errors.ErrMalformed)
		}
		prefix[n] = c
		n++
		if c < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, fmt.Errorf("read frame: %w: %v", errors.ErrMalformed, protowire.ParseError(m))
	}

	// No stream can hold this many bytes; resyncing on it would mean
	// skipping a negative count.
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("read frame: %w: length %d out of range", errors.ErrMalformed, size)
	}
	if size > uint64(r.max) {
		if _, err := io.CopyN(io.Discard, r.r, int64(size)); err != nil {
			return nil, fmt.Errorf("discard frame: %w", err)
		}
		return nil, errors.ErrFrameTooLarge
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w    io.Writer
	mode Mode
	mu   sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer, mode Mode) *Writer {
	return &Writer{w: w, mode: mode}
}

// Write writes one frame. In ndjson mode the frame must not contain a
// newline.
func (w *Writer) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	switch w.mode {
	case ModeVarint:
		buf = protowire.AppendVarint(make([]byte, 0, len(frame)+maxVarintLen), uint64(len(frame)))
		buf = append(buf, frame...)
	default:
		if bytes.IndexByte(frame, '\n') >= 0 {
			return fmt.Errorf("write frame: %w: embedded newline", errors.ErrMalformed)
		}
		buf = make([]byte, 0, len(frame)+1)
		buf = append(buf, frame...)
		buf = append(buf, '\n')
	}

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteAck encodes and writes an ack.
func (w *Writer) WriteAck(a codec.Ack) error {
	b, err := codec.EncodeAck(a)
	if err != nil {
		return err
	}
	return w.Write(b)
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter, mode Mode, maxSize int) *Conn {
	return &Conn{
		Reader: NewReader(rw, mode, maxSize),
		Writer: NewWriter(rw, mode),
	}
}

// ReadAck reads and decodes the next ack frame.
func (c *Conn) ReadAck() (codec.Ack, error) {
	b, err := c.Read()
	if err != nil {
		return codec.Ack{}, err
	}
	return codec.DecodeAck(b)
}
