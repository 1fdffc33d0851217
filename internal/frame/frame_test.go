package frame_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/chat-relay/internal/frame"
)

func feedAll(chunks ...string) []frame.Frame {
	var dec frame.Decoder
	var frames []frame.Frame
	for _, c := range chunks {
		frames = append(frames, dec.Feed([]byte(c))...)
	}
	return frames
}

func TestDecoderScenario(t *testing.T) {
	frames := feedAll(`data: {"t":"Hel`, "lo\"}\n\n", "data: [DONE]\n\n")

	want := []frame.Frame{
		{Kind: frame.KindText, Payload: "Hello"},
		{Kind: frame.KindDone},
	}
	if !slices.Equal(frames, want) {
		t.Errorf("Feed() = %+v, want %+v", frames, want)
	}
}

func TestDecoderSplitInvariant(t *testing.T) {
	stream := "data: {\"token\":\"Hi\"}\n\n" +
		"event: ping\n\n" +
		"data: there\n\n" +
		"data: {\"text\":\" \\u00e9t\u00e9\"}\r\n\r\n" +
		"data: {\"nope\":1}\n\n" +
		"data: [ERROR] upstream hiccup\n\n" +
		"data: {broken\n\n" +
		"data:  world\n\n" +
		"data: [DONE]\n\n" +
		"data: after\n\n"

	whole := feedAll(stream)
	if len(whole) == 0 {
		t.Fatal("Feed() returned no frames for the whole stream")
	}

	for i := 0; i <= len(stream); i++ {
		got := feedAll(stream[:i], stream[i:])
		if !slices.Equal(got, whole) {
			t.Fatalf("split at %d: Feed() = %+v, want %+v", i, got, whole)
		}
	}

	// One byte at a time exercises every mid-delimiter boundary at once.
	var chunks []string
	for i := 0; i < len(stream); i++ {
		chunks = append(chunks, stream[i:i+1])
	}
	if got := feedAll(chunks...); !slices.Equal(got, whole) {
		t.Errorf("byte-wise Feed() = %+v, want %+v", got, whole)
	}
}

func TestDecoderPayloads(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   []frame.Frame
	}{
		{
			name:   "Literal text keeps inner spacing",
			stream: "data:  world\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: " world"}},
		},
		{
			name:   "Marker without space",
			stream: "data:hello\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "hello"}},
		},
		{
			name:   "Token wins over text",
			stream: `data: {"text":"b","token":"a"}` + "\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "a"}},
		},
		{
			name:   "Empty token falls through to text",
			stream: `data: {"token":"","text":"b"}` + "\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "b"}},
		},
		{
			name:   "Non-string field is skipped",
			stream: `data: {"token":5,"t":"c"}` + "\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "c"}},
		},
		{
			name:   "Object without text is dropped",
			stream: `data: {"usage":{"tokens":3}}` + "\n\n",
			want:   nil,
		},
		{
			name:   "Malformed object is dropped",
			stream: "data: {\"token\":\n\n",
			want:   nil,
		},
		{
			name:   "Frame without data line is dropped",
			stream: "id: 1\nevent: message\n\n",
			want:   nil,
		},
		{
			name:   "Empty payload is dropped",
			stream: "data: \n\n",
			want:   nil,
		},
		{
			name:   "Error frame",
			stream: "data: [ERROR] boom\n\n",
			want:   []frame.Frame{{Kind: frame.KindError, Payload: "boom"}},
		},
		{
			name:   "First data line is the payload",
			stream: "event: x\ndata: first\ndata: second\n\n",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "first"}},
		},
		{
			name:   "Unterminated remainder is discarded",
			stream: "data: complete\n\ndata: partial",
			want:   []frame.Frame{{Kind: frame.KindText, Payload: "complete"}},
		},
		{
			name:   "Nothing after done",
			stream: "data: [DONE]\n\ndata: late\n\n",
			want:   []frame.Frame{{Kind: frame.KindDone}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(tt.stream)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Feed() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecoderPending(t *testing.T) {
	var dec frame.Decoder
	dec.Feed([]byte("data: a\n\ndata: b"))
	if dec.Pending() != len("data: b") {
		t.Errorf("Pending() = %d, want %d", dec.Pending(), len("data: b"))
	}
	dec.Feed([]byte("\n\ndata: [DONE]\n\n"))
	if !dec.Done() {
		t.Error("Done() = false after sentinel")
	}
	if dec.Pending() != 0 {
		t.Errorf("Pending() = %d after sentinel, want 0", dec.Pending())
	}
}

func TestRead(t *testing.T) {
	stream := "data: one\n\ndata: {\"token\":\" two\"}\n\ndata: [DONE]\n\ndata: ignored\n\n"

	var got []frame.Frame
	for f, err := range frame.Read(context.Background(), iotest.OneByteReader(strings.NewReader(stream))) {
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, f)
	}

	want := []frame.Frame{
		{Kind: frame.KindText, Payload: "one"},
		{Kind: frame.KindText, Payload: " two"},
		{Kind: frame.KindDone},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Read() = %+v, want %+v", got, want)
	}
}

func TestReadEOFWithoutSentinel(t *testing.T) {
	var got []frame.Frame
	for f, err := range frame.Read(context.Background(), strings.NewReader("data: one\n\ndata: half")) {
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, f)
	}
	want := []frame.Frame{{Kind: frame.KindText, Payload: "one"}}
	if !slices.Equal(got, want) {
		t.Errorf("Read() = %+v, want %+v", got, want)
	}
}

func TestReadError(t *testing.T) {
	errBoom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("data: one\n\n"), iotest.ErrReader(errBoom))

	var frames int
	var gotErr error
	for _, err := range frame.Read(context.Background(), r) {
		if err != nil {
			gotErr = err
			continue
		}
		frames++
	}
	if frames != 1 {
		t.Errorf("Read() frames = %d, want 1", frames)
	}
	if !errors.Is(gotErr, errBoom) {
		t.Errorf("Read() error = %v, want %v", gotErr, errBoom)
	}
}

func TestReadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range frame.Read(ctx, strings.NewReader("data: one\n\n")) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read() error = %v, want %v", err, context.Canceled)
		}
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	if err := frame.WriteError(&buf, "connection\n\nrefused"); err != nil {
		t.Fatal(err)
	}

	want := "data: [ERROR] connection refused\n\ndata: [DONE]\n\n"
	if buf.String() != want {
		t.Errorf("WriteError() wrote %q, want %q", buf.String(), want)
	}

	got := feedAll(buf.String())
	wantFrames := []frame.Frame{
		{Kind: frame.KindError, Payload: "connection refused"},
		{Kind: frame.KindDone},
	}
	if !slices.Equal(got, wantFrames) {
		t.Errorf("decoded = %+v, want %+v", got, wantFrames)
	}
}

func TestAligned(t *testing.T) {
	tests := []struct {
		tail string
		want bool
	}{
		{"", true},
		{"data: a\n\n", true},
		{"data: a\n", false},
		{"data: a", false},
	}
	for _, tt := range tests {
		if got := frame.Aligned([]byte(tt.tail)); got != tt.want {
			t.Errorf("Aligned(%q) = %v, want %v", tt.tail, got, tt.want)
		}
	}
}
