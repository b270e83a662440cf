package testutil

import (
	"testing"
	"time"
)

// Input caps sized to what a link can carry: a frame is a header plus at most
// a 64 KiB payload, and a stream record wraps one frame.
const (
	MaxFrameInput  = 1<<16 + 256
	MaxRecordInput = 1<<17 + 4
	DecodeDeadline = 100 * time.Millisecond
)

// FuzzDecoder registers fn as the fuzz target, trimming inputs to limit bytes
// and failing any single decode that runs past DecodeDeadline.
func FuzzDecoder(f *testing.F, limit int, fn func(t *testing.T, data []byte)) {
	f.Helper()
	f.Fuzz(func(t *testing.T, data []byte) {
		if limit > 0 && len(data) > limit {
			data = data[:limit]
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(t, data)
		}()
		select {
		case <-done:
		case <-time.After(DecodeDeadline):
			t.Fatalf("decode of %d bytes ran past %s", len(data), DecodeDeadline)
		}
	})
}
