// Package natmsg speaks the Chrome native-messaging framing: every message
// is a little-endian uint32 byte length followed by that many bytes of JSON.
package natmsg

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrame bounds inbound frames; a KDBX import is the largest expected
// message.
const MaxFrame = 64 * 1024 * 1024

// ErrFrameTooLarge indicates an inbound frame above MaxFrame.
var ErrFrameTooLarge = errors.New("natmsg: frame too large")

// ReadFrame reads one length-prefixed JSON frame into v. io.EOF passes
// through untouched so callers can detect a closed peer.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("natmsg: failed to read frame length: %w", err)
	}
	if length > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("natmsg: failed to read frame body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("natmsg: frame is not valid JSON: %w", err)
	}
	return nil
}

// WriteFrame writes v as one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natmsg: failed to marshal frame: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("natmsg: failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("natmsg: failed to write frame body: %w", err)
	}
	return nil
}

// Handler processes one decoded request and returns the response to write.
type Handler func(ctx context.Context, req json.RawMessage) any

// Serve pumps frames from r through handle to w until EOF or context
// cancellation. Responses are written in request order.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handle Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req json.RawMessage
		if err := ReadFrame(r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp := handle(ctx, req)
		if err := WriteFrame(w, resp); err != nil {
			return err
		}
	}
}
