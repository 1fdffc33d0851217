// Package frame implements the event-stream framing shared by the relay, the generation backend and
// the stream consumer. A frame is a block of lines terminated by a blank line; its payload is carried
// by the first line starting with "data:".
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind tells how a decoded frame should be interpreted.
type Kind int

const (
	// KindText is a frame carrying a text fragment.
	KindText Kind = iota
	// KindError is a synthetic frame emitted by a relay or backend when generation failed.
	KindError
	// KindDone is the terminal frame. It carries no payload.
	KindDone
)

const (
	// Sentinel is the reserved payload terminating a stream.
	Sentinel = "[DONE]"
	// ErrorPrefix marks a payload describing an upstream failure.
	ErrorPrefix = "[ERROR]"
	// ContentType is the media type of a framed stream.
	ContentType = "text/event-stream"
)

var (
	delimiter  = []byte("\n\n")
	crlf       = []byte("\r\n")
	lf         = []byte("\n")
	dataMarker = "data:"
)

// textFields are the object fields a structured payload may carry its text in, in lookup order.
var textFields = []string{"token", "text", "t"}

// Frame is one decoded unit of the stream.
type Frame struct {
	Kind    Kind
	Payload string
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Kind == KindDone
}

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decoder turns arbitrarily split byte chunks into frames. The zero value is ready to use. A Decoder
// is not safe for concurrent use.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends chunk to the internal buffer and returns every frame completed by it, in arrival order.
// Malformed frames and empty text fragments are dropped. Once the terminal frame has been returned,
// Feed returns nothing.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	// CRLF pairs split across chunks meet here, so normalising the whole buffer keeps decoding
	// independent of chunk boundaries.
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var frames []Frame
	for {
		idx := bytes.Index(d.buf, delimiter)
		if idx < 0 {
			break
		}
		raw := string(d.buf[:idx])
		d.buf = d.buf[idx+len(delimiter):]

		f, ok := parse(raw)
		if !ok {
			continue
		}
		frames = append(frames, f)
		if f.Terminal() {
			d.done = true
			d.buf = nil
			break
		}
	}
	// Release the consumed prefix once the buffer drains so long streams do not pin memory.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return frames
}

// Done reports whether the terminal frame has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Pending returns the number of buffered bytes that do not yet form a complete frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func parse(raw string) (Frame, bool) {
	payload, ok := dataLine(raw)
	if !ok {
		return Frame{}, false
	}
	return Decode(payload)
}

func dataLine(raw string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataMarker) {
			continue
		}
		payload := strings.TrimPrefix(line, dataMarker)
		return strings.TrimPrefix(payload, " "), true
	}
	return "", false
}

// Decode classifies a single payload. The order is: sentinel, error marker, structured object, literal
// text. It returns false for payloads that must be dropped: objects without a usable text field,
// unparsable objects and empty text.
func Decode(payload string) (Frame, bool) {
	switch {
	case payload == Sentinel:
		return Frame{Kind: KindDone}, true
	case strings.HasPrefix(payload, ErrorPrefix):
		msg := strings.TrimSpace(strings.TrimPrefix(payload, ErrorPrefix))
		return Frame{Kind: KindError, Payload: msg}, true
	case strings.HasPrefix(strings.TrimSpace(payload), "{"):
		text, ok := objectText(payload)
		if !ok || text == "" {
			return Frame{}, false
		}
		return Frame{Kind: KindText, Payload: text}, true
	case payload == "":
		return Frame{}, false
	default:
		return Frame{Kind: KindText, Payload: payload}, true
	}
}

func objectText(payload string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return "", false
	}
	for _, field := range textFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			continue
		}
		if text != "" {
			return text, true
		}
	}
	return "", false
}

// WriteData writes a single data frame. The payload must not contain a blank line.
func WriteData(w io.Writer, payload string) error {
	_, err := io.WriteString(w, dataMarker+" "+payload+string(delimiter))
	return err
}

// WriteError writes an error frame followed by the terminal frame.
func WriteError(w io.Writer, msg string) error {
	msg = strings.Join(strings.Fields(msg), " ")
	if err := WriteData(w, ErrorPrefix+" "+msg); err != nil {
		return err
	}
	return WriteDone(w)
}

// WriteDone writes the terminal frame.
func WriteDone(w io.Writer) error {
	return WriteData(w, Sentinel)
}

// Aligned reports whether tail, the last bytes written to a stream, ends on a frame boundary.
func Aligned(tail []byte) bool {
	return len(tail) == 0 || bytes.HasSuffix(tail, delimiter)
}

// Delimiter returns the byte sequence separating frames.
func Delimiter() []byte {
	return bytes.Clone(delimiter)
}
