// Package wireproto implements the NetShare TCP framing codec and the JSON
// control envelope carried inside JSON frames.
package wireproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies whether a frame carries a JSON control message or a raw
// binary chunk.
type Kind byte

const (
	KindJSON   Kind = 'J'
	KindBinary Kind = 'B'
)

// DefaultMaxPayload is the reference cap: 2^31-1 bytes, the largest value a
// signed 32-bit length prefix can hold.
const DefaultMaxPayload = int64(1<<31) - 1

var (
	// ErrBadKind is returned when byte 0 of a frame is not 'J' or 'B'.
	ErrBadKind = errors.New("wireproto: invalid frame kind byte")
	// ErrBadLength is returned for a negative length or one exceeding the cap.
	ErrBadLength = errors.New("wireproto: invalid frame length")
)

// Frame is a single decoded unit of the TCP framing layer.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Reader decodes frames one at a time from an underlying stream. It never
// looks ahead past the frame it just returned.
type Reader struct {
	r          io.Reader
	maxPayload int64
}

// NewReader wraps r with the default payload cap.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxPayload)
}

// NewReaderSize wraps r with an explicit payload cap, in bytes.
func NewReaderSize(r io.Reader, maxPayload int64) *Reader {
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadFrame reads exactly one frame. It returns io.EOF if the stream ends
// cleanly before the kind byte of the next frame arrives; any other
// truncation yields io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() (Frame, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(fr.r, kindBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("wireproto: read kind byte: %w", err)
	}

	kind := Kind(kindBuf[0])
	if kind != KindJSON && kind != KindBinary {
		return Frame{}, ErrBadKind
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Frame{}, wrapTruncated(err)
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 0 || int64(length) > fr.maxPayload {
		return Frame{}, ErrBadLength
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, wrapTruncated(err)
		}
	}

	return Frame{Kind: kind, Payload: payload}, nil
}

func wrapTruncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes frames onto an underlying stream. Callers must not
// interleave concurrent writes on a single stream; each WriteFrame call is
// atomic with respect to the bytes it produces and flushes before
// returning.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes kind and payload as one frame and flushes the
// underlying writer if it supports flushing.
func (fw *Writer) WriteFrame(kind Kind, payload []byte) error {
	if kind != KindJSON && kind != KindBinary {
		return ErrBadKind
	}
	if int64(len(payload)) > DefaultMaxPayload {
		return ErrBadLength
	}

	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(int32(len(payload))))

	if _, err := fw.w.Write(header); err != nil {
		return fmt.Errorf("wireproto: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return fmt.Errorf("wireproto: write frame payload: %w", err)
		}
	}

	if f, ok := fw.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("wireproto: flush frame: %w", err)
		}
	}
	return nil
}

// WriteJSON is a convenience that encodes kind KindJSON.
func (fw *Writer) WriteJSON(payload []byte) error {
	return fw.WriteFrame(KindJSON, payload)
}

// WriteBinary is a convenience that encodes kind KindBinary.
func (fw *Writer) WriteBinary(payload []byte) error {
	return fw.WriteFrame(KindBinary, payload)
}

type flusher interface {
	Flush() error
}
