package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sunipkm/peernet/internal/pool"
)

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 4 << 20

// Reader reads length-prefixed frames from a stream.
// A Reader is not safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader wraps r. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxFrameSize}
}

// ReadFrame reads the next frame.
//
// Errors wrapping ErrMalformed leave the stream aligned on the next frame
// and the caller may continue. Any other error, including
// ErrFrameTooLarge and io.EOF, ends the stream.
func (r *Reader) ReadFrame() (*Frame, error) {
	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if size > uint64(r.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, r.maxSize)
	}

	buf := pool.GetExactBuffer(int(size))
	defer pool.PutBuffer(buf)

	if _, err := io.ReadFull(r.r, *buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	f := &Frame{}
	if err := f.UnmarshalBinary(*buf); err != nil {
		return nil, err
	}
	return f, nil
}

// Writer writes length-prefixed frames to a stream.
// It is safe for concurrent use; frames are never interleaved.
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	maxSize int
}

// NewWriter wraps w. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewWriter(w io.Writer, maxFrameSize int) *Writer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Writer{w: bufio.NewWriter(w), maxSize: maxFrameSize}
}

// WriteFrame encodes f, writes it and flushes.
func (w *Writer) WriteFrame(f *Frame) error {
	buf := pool.GetBuffer(pool.SmallBufferSize)
	defer pool.PutBuffer(buf)

	body, err := f.AppendBinary(*buf)
	if err != nil {
		return err
	}
	*buf = body
	if len(body) > w.maxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(body), w.maxSize)
	}

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(body)))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
