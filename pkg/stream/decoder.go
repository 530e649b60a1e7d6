package stream

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
)

// DefaultEvent is the frame type used when a frame carries no event field.
const DefaultEvent = "message"

// Frame is one decoded unit of the event stream: an event name plus the
// payload text assembled from its data lines.
type Frame struct {
	Event string
	Data  string
}

// FrameDecoder turns raw byte chunks into frames. Chunks may split lines
// and frames at any byte boundary; for a given byte sequence the emitted
// frames are the same no matter how it was chunked.
//
// The zero value is ready to use.
type FrameDecoder struct {
	pending []byte
	event   string
	data    []string
	dirty   bool
}

// Feed consumes the next chunk and returns the frames completed by it.
// Lines terminate on \n, \r\n, or a lone \r.
func (d *FrameDecoder) Feed(chunk []byte) []Frame {
	d.pending = append(d.pending, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexAny(d.pending, "\r\n")
		if idx < 0 {
			break
		}
		// A trailing \r could still be the first half of \r\n; hold it
		// back until the next byte arrives.
		if d.pending[idx] == '\r' && idx == len(d.pending)-1 {
			break
		}
		line := string(d.pending[:idx])
		next := idx + 1
		if d.pending[idx] == '\r' && d.pending[next] == '\n' {
			next++
		}
		d.pending = d.pending[next:]

		if f, ok := d.consumeLine(line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func (d *FrameDecoder) consumeLine(line string) (Frame, bool) {
	if line == "" {
		if !d.dirty {
			return Frame{}, false
		}
		f := Frame{Event: d.event, Data: strings.Join(d.data, "\n")}
		if f.Event == "" {
			f.Event = DefaultEvent
		}
		d.event = ""
		d.data = nil
		d.dirty = false
		return f, true
	}

	if strings.HasPrefix(line, ":") {
		return Frame{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		d.event = value
		d.dirty = true
	case "data":
		d.data = append(d.data, value)
		d.dirty = true
	}
	// Unknown fields (id, retry, ...) are ignored.
	return Frame{}, false
}

// splitField parses "field: value"; a single leading space after the
// colon is not part of the value.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return line[:idx], value
}

// PayloadSegments returns the JSON segments of a frame's payload.
//
// Normally the payload is a single JSON document and a single segment is
// returned. When it is not valid JSON the payload is split on internal
// newlines and each piece is parsed independently, which recovers from an
// upstream bug where several payload segments arrive concatenated without
// an intervening frame terminator. Segments that still fail to parse are
// logged and dropped; an unparsable frame never fails the stream.
func PayloadSegments(ctx context.Context, f Frame) []string {
	if f.Data == "" {
		return nil
	}

	var probe any
	if err := sonic.UnmarshalString(f.Data, &probe); err == nil {
		return []string{f.Data}
	}

	var segments []string
	for _, part := range strings.Split(f.Data, "\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := sonic.UnmarshalString(part, &probe); err != nil {
			slog.WarnContext(ctx, "dropping unparsable payload segment",
				slog.String("event", f.Event),
				slog.Any("error", err))
			continue
		}
		segments = append(segments, part)
	}

	if segments == nil {
		slog.WarnContext(ctx, "frame payload is not parsable",
			slog.String("event", f.Event),
			slog.Int("payload_bytes", len(f.Data)))
	}
	return segments
}
