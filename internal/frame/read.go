package frame

import (
	"context"
	"errors"
	"io"
	"iter"
)

const readChunkSize = 4096

// Read decodes frames from r as bytes arrive. The sequence ends after the terminal frame, at EOF, or on
// the first read error, which is yielded once. Bytes left unterminated at EOF are discarded. The
// caller cancels the read by cancelling ctx or by closing r.
func Read(ctx context.Context, r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		var dec Decoder
		buf := make([]byte, readChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(Frame{}, err)
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range dec.Feed(buf[:n]) {
					if !yield(f, nil) {
						return
					}
				}
				if dec.Done() {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(Frame{}, err)
				return
			}
		}
	}
}
