package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/types"
	"github.com/BaSui01/llmbridge/wire"
)

// State is the lifecycle position of a stream.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream delivers decoded chunks from one provider response body in arrival
// order. Chunks are read from Chunks(); the channel closes when the stream
// reaches a terminal state. A decode or transport failure is delivered as a
// final chunk carrying Err before the channel closes.
type Stream struct {
	body    io.ReadCloser
	framer  Framer
	decoder wire.FrameDecoder
	logger  *zap.Logger

	ch     chan *types.StreamChunk
	state  atomic.Int32
	chunks atomic.Int64

	cancelOnce sync.Once
	cancelled  chan struct{}

	mu  sync.Mutex
	err *types.Error
}

// Open starts consuming body with the given framing and per-stream decoder.
// The stream owns body and closes it when it reaches a terminal state.
func Open(ctx context.Context, body io.ReadCloser, framing wire.Framing, decoder wire.FrameDecoder, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	var framer Framer
	if framing == wire.FramingNDJSON {
		framer = NewNDJSONFramer(body)
	} else {
		framer = NewSSEFramer(body)
	}

	s := &Stream{
		body:      body,
		framer:    framer,
		decoder:   decoder,
		logger:    logger,
		ch:        make(chan *types.StreamChunk),
		cancelled: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Chunks returns the delivery channel. It closes once the stream completes,
// fails or is cancelled.
func (s *Stream) Chunks() <-chan *types.StreamChunk { return s.ch }

// State reports the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// ChunkCount reports how many chunks were successfully decoded so far. On
// failure it is the diagnostic count of chunks delivered before the fault.
func (s *Stream) ChunkCount() int64 { return s.chunks.Load() }

// Err returns the failure, if the stream ended in StateFailed.
func (s *Stream) Err() *types.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the stream. The response body is closed immediately, which
// unblocks any in-progress read, so cancellation takes effect within one
// read cycle. Chunks already delivered stay valid; no further chunks follow
// and no error is raised.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		s.body.Close()
	})
}

// transition moves to next only when no terminal state was reached first.
func (s *Stream) transition(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateCompleted || State(cur) == StateCancelled || State(cur) == StateFailed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.ch)
	defer s.body.Close()

	for {
		payload, err := s.framer.Next()
		if err != nil {
			if s.isCancelled(ctx) {
				s.transition(StateCancelled)
				return
			}
			// EOF before the provider's terminal marker is a truncated
			// stream; any other read error is a transport fault.
			ferr := types.NewError(types.ErrUpstreamError, "stream ended before terminal marker").
				WithRetryable(false)
			if err != io.EOF {
				ferr = types.NewError(types.ErrUpstreamError, "stream read failed").WithCause(err).WithRetryable(true)
			}
			s.fail(ctx, ferr)
			return
		}

		s.transition(StateStreaming)

		chunk, done, derr := s.decoder.Decode(payload)
		if derr != nil {
			if s.isCancelled(ctx) {
				s.transition(StateCancelled)
				return
			}
			s.fail(ctx, types.AsError(derr))
			return
		}
		if chunk != nil {
			if !s.deliver(ctx, chunk) {
				s.transition(StateCancelled)
				return
			}
			s.chunks.Add(1)
		}
		if done {
			s.transition(StateCompleted)
			return
		}
	}
}

func (s *Stream) deliver(ctx context.Context, chunk *types.StreamChunk) bool {
	select {
	case <-s.cancelled:
		return false
	case <-ctx.Done():
		return false
	case s.ch <- chunk:
		return true
	}
}

func (s *Stream) isCancelled(ctx context.Context) bool {
	select {
	case <-s.cancelled:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Stream) fail(ctx context.Context, ferr *types.Error) {
	if !s.transition(StateFailed) {
		return
	}
	count := s.chunks.Load()
	s.mu.Lock()
	s.err = ferr
	s.mu.Unlock()
	s.logger.Warn("stream failed",
		zap.String("code", string(ferr.Code)),
		zap.Int64("chunks_delivered", count))
	s.deliver(ctx, &types.StreamChunk{Final: true, Err: ferr})
}
