package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"
)

// flushMarker ends every message in a zlib-stream: the LEN/NLEN of the
// empty stored block a sync flush emits.
var flushMarker = []byte{0x00, 0x00, 0xff, 0xff}

const (
	zlibMagic  = 0x78
	windowSize = 32 << 10
)

// FrameDecoder turns socket frames into JSON payloads. Binary frames belong
// to one continuous DEFLATE stream that spans the whole connection, so a
// decoder must not be shared between connections.
type FrameDecoder struct {
	pending  []byte // binary frames not yet terminated by a flush marker
	window   []byte // last windowSize bytes of inflated output
	inflater io.ReadCloser
	started  bool
}

// NewFrameDecoder returns a decoder positioned at the start of a stream.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Reset discards all stream state.
func (d *FrameDecoder) Reset() {
	d.pending = nil
	d.window = nil
	d.started = false
	if d.inflater != nil {
		d.inflater.Close()
		d.inflater = nil
	}
}

// Decode consumes one frame. It returns complete=false while a binary
// message is still waiting for its flush marker.
func (d *FrameDecoder) Decode(messageType int, frame []byte) ([]byte, bool, error) {
	if messageType == websocket.TextMessage {
		return frame, true, nil
	}
	if messageType != websocket.BinaryMessage {
		return nil, false, fmt.Errorf("gateway: decode: unexpected frame type %d", messageType)
	}

	d.pending = append(d.pending, frame...)
	if !bytes.HasSuffix(d.pending, flushMarker) {
		return nil, false, nil
	}
	segment := d.pending[:len(d.pending)-len(flushMarker)]
	d.pending = nil

	if !d.started {
		if len(segment) < 2 || segment[0] != zlibMagic {
			return nil, false, fmt.Errorf("gateway: decode: stream does not start with a zlib header")
		}
		segment = segment[2:]
		d.started = true
	}

	out, err := d.inflate(segment)
	if err != nil {
		return nil, false, err
	}
	if !utf8.Valid(out) {
		return nil, false, fmt.Errorf("gateway: decode: payload is not valid UTF-8")
	}
	return out, true, nil
}

// inflate decodes one flushed segment. Back-references may reach into
// earlier messages, so the previous output is supplied as the dictionary.
func (d *FrameDecoder) inflate(segment []byte) ([]byte, error) {
	src := bytes.NewReader(segment)
	if d.inflater == nil {
		d.inflater = flate.NewReaderDict(src, d.window)
	} else if err := d.inflater.(flate.Resetter).Reset(src, d.window); err != nil {
		return nil, fmt.Errorf("gateway: decode: reset inflater: %w", err)
	}

	out, err := io.ReadAll(d.inflater)
	// A flushed segment never ends a block, so the reader always reports
	// an unexpected EOF after yielding everything it decoded.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("gateway: decode: inflate: %w", err)
	}

	d.window = append(d.window, out...)
	if len(d.window) > windowSize {
		d.window = append([]byte(nil), d.window[len(d.window)-windowSize:]...)
	}
	return out, nil
}
