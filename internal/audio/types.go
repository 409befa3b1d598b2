// Package audio handles microphone capture and take assembly.
package audio

import (
	"context"
	"time"
)

// Block is one delivery from a capture stream. Blocks are immutable once
// handed to a CaptureBuffer.
type Block struct {
	Samples   []float32
	Timestamp time.Time
}

// Utterance is a take assembled from queued blocks in arrival order.
type Utterance struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the length of the utterance.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// Source opens capture streams. The deliver callback runs on the source's
// producer goroutine and must not block.
type Source interface {
	Open(ctx context.Context, deliver func(Block)) (Stream, error)
}

// Stream is an open capture stream. Once Stop returns, deliver is not called
// again for this stream.
type Stream interface {
	Stop() error
}
