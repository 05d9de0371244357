package workerproto

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameBytes bounds a single frame, guarding the reader against a
// corrupt or malicious length prefix.
const MaxFrameBytes = 64 << 20 // 64MiB, generous for a base64 PNG display_data payload.

// WriteFrame writes a single length-prefixed JSON frame: a 4-byte
// big-endian length followed by the JSON encoding of v.
//
// Length-prefixed framing avoids having to escape newlines out of
// arbitrary JSON payloads (tracebacks, base64 image data); the command
// channel uses this same framing for its request/reply pairs.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal frame")
	}
	if len(payload) > MaxFrameBytes {
		return errors.Errorf("frame of %d bytes exceeds MaxFrameBytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.WithMessage(err, "failed to write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.WithMessage(err, "failed to write frame payload")
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame written by WriteFrame and
// decodes it into v (a pointer).
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err // Propagate io.EOF unwrapped so callers can detect clean close.
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return errors.Errorf("frame of %d bytes exceeds MaxFrameBytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.WithMessage(err, "failed to read frame payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WithMessage(err, "failed to unmarshal frame")
	}
	return nil
}

// NewBufferedReader wraps r so ReadFrame can be called repeatedly on a
// socket without re-syscalling per byte.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}

// NewBufferedWriter wraps w for the same reason as NewBufferedReader;
// WriteFrame flushes after every frame so replies are never held back.
func NewBufferedWriter(w io.Writer) *bufio.Writer {
	return bufio.NewWriterSize(w, 32*1024)
}

// marshalEvent/unmarshalEvent encode a single Event as one ZMQ message
// frame: ZMQ already frames messages at the transport level, so no length
// prefix is needed here, unlike the command channel's raw TCP stream.
func marshalEvent(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal event")
	}
	return b, nil
}

func unmarshalEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, errors.WithMessage(err, "failed to unmarshal event")
	}
	return ev, nil
}
