package registry

import (
	"sync"

	"github.com/BaSui01/llmbridge/stream"
	"github.com/BaSui01/llmbridge/types"
)

// ChatStream is a provider stream as seen by callers. It relays chunks from
// the underlying stream, stamping the provider name on each and feeding the
// metrics collector.
type ChatStream struct {
	inner *stream.Stream
	out   chan *types.StreamChunk

	cancelOnce sync.Once
	done       chan struct{}
}

// relay wraps the raw stream for delivery to the caller.
func (h *Handle) relay(inner *stream.Stream) *ChatStream {
	cs := &ChatStream{
		inner: inner,
		out:   make(chan *types.StreamChunk),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(cs.out)
		for chunk := range inner.Chunks() {
			chunk.Provider = h.name
			if chunk.Err == nil {
				h.collector.RecordStreamChunk(h.name)
			}
			select {
			case cs.out <- chunk:
			case <-cs.done:
				// Caller cancelled and stopped reading; drop the chunk
				// and drain the inner stream so it can shut down.
				for range inner.Chunks() {
				}
				h.collector.RecordStreamEnd(h.name, inner.State().String())
				return
			}
		}
		h.collector.RecordStreamEnd(h.name, inner.State().String())
	}()
	return cs
}

// Chunks returns the delivery channel. It closes when the stream reaches a
// terminal state.
func (cs *ChatStream) Chunks() <-chan *types.StreamChunk { return cs.out }

// Cancel stops the stream within one read cycle. Chunks already delivered
// stay valid; no further chunks follow.
func (cs *ChatStream) Cancel() {
	cs.cancelOnce.Do(func() {
		close(cs.done)
		cs.inner.Cancel()
	})
}

// State reports the underlying stream state.
func (cs *ChatStream) State() stream.State { return cs.inner.State() }

// ChunkCount reports chunks decoded so far, for diagnostics on failure.
func (cs *ChatStream) ChunkCount() int64 { return cs.inner.ChunkCount() }

// Err returns the failure when the stream ended in the failed state.
func (cs *ChatStream) Err() *types.Error { return cs.inner.Err() }
