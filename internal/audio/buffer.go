package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
)

// CaptureBuffer queues blocks from a live stream for a pull-based consumer.
// The stream's producer goroutine is the only writer of the queue; the
// controller is the only reader.
type CaptureBuffer struct {
	source     Source
	sampleRate int
	blocks     chan Block

	mu        sync.Mutex
	stream    Stream
	active    bool
	accepting atomic.Bool
	overflow  atomic.Int64
}

// NewCaptureBuffer creates a buffer holding at most queueBlocks blocks.
func NewCaptureBuffer(source Source, sampleRate, queueBlocks int) *CaptureBuffer {
	if queueBlocks <= 0 {
		queueBlocks = DefaultQueueBlocks
	}
	return &CaptureBuffer{
		source:     source,
		sampleRate: sampleRate,
		blocks:     make(chan Block, queueBlocks),
	}
}

// Start opens the underlying stream and begins queueing blocks.
func (b *CaptureBuffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return apperrors.New(apperrors.CodeInvalidState, "capture session already active")
	}

	b.accepting.Store(true)
	stream, err := b.source.Open(ctx, b.enqueue)
	if err != nil {
		b.accepting.Store(false)
		return apperrors.Wrap(err, apperrors.CodeDevice, "open capture stream")
	}

	b.stream = stream
	b.active = true
	return nil
}

// Stop stops accepting new blocks. Calling it again in the same session, or
// with no session, is a no-op.
func (b *CaptureBuffer) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return nil
	}
	b.accepting.Store(false)
	b.active = false

	stream := b.stream
	b.stream = nil
	if err := stream.Stop(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDevice, "stop capture stream")
	}
	return nil
}

// Active reports whether a capture session is running.
func (b *CaptureBuffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Flush discards every queued block and returns how many were discarded.
// The stream, if any, keeps running.
func (b *CaptureBuffer) Flush() int {
	return len(b.drain())
}

// Read drains the queue, drops the last dropLast blocks and concatenates the
// rest. It never blocks: only blocks queued at the moment of the call count.
func (b *CaptureBuffer) Read(dropLast int) (Utterance, error) {
	if dropLast < 0 {
		return Utterance{}, apperrors.Newf(apperrors.CodeInvalidArgument, "dropLast must be non-negative, got %d", dropLast)
	}
	if b.Active() {
		return Utterance{}, apperrors.New(apperrors.CodeInvalidState, "read before stop")
	}

	blocks := b.drain()
	keep := len(blocks) - dropLast
	if keep < 0 {
		keep = 0
	}
	blocks = blocks[:keep]

	total := 0
	for _, blk := range blocks {
		total += len(blk.Samples)
	}
	samples := make([]float32, 0, total)
	for _, blk := range blocks {
		samples = append(samples, blk.Samples...)
	}

	return Utterance{Samples: samples, SampleRate: b.sampleRate}, nil
}

// Overflowed returns how many blocks were lost because the queue was full.
func (b *CaptureBuffer) Overflowed() int64 {
	return b.overflow.Load()
}

// Queued returns the number of blocks currently waiting to be read.
func (b *CaptureBuffer) Queued() int {
	return len(b.blocks)
}

func (b *CaptureBuffer) enqueue(blk Block) {
	if !b.accepting.Load() {
		return
	}
	select {
	case b.blocks <- blk:
	default:
		n := b.overflow.Add(1)
		slog.Warn("capture queue full, dropping block", "capacity", cap(b.blocks), "overflowed", n)
	}
}

func (b *CaptureBuffer) drain() []Block {
	var out []Block
	for {
		select {
		case blk := <-b.blocks:
			out = append(out, blk)
		default:
			return out
		}
	}
}
