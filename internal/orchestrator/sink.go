package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/kbot/internal/stream"
)

// chunkSink delivers a streamed agent response over one channel. Platforms
// with edit support get a live message updated in place; the rest get the
// response buffered and sent as one or more chunks on completion.
type chunkSink struct {
	mu sync.Mutex

	edit *stream.EditCoalescer
	buf  *stream.Coalescer

	sendErr error
}

func newChunkSink(ctx context.Context, ch Channel, channel string, maxLen, softLimit int) *chunkSink {
	s := &chunkSink{}
	if ch.SupportsStreaming() {
		s.edit = stream.NewEditCoalescer(maxLen,
			func(text string) (string, error) {
				return ch.Send(ctx, channel, text, nil)
			},
			func(messageID, text string) error {
				_, err := ch.EditMessage(ctx, channel, messageID, text)
				return err
			})
		return s
	}
	deliver := func(chunk string) {
		if _, err := ch.Send(ctx, channel, chunk, nil); err != nil {
			s.mu.Lock()
			if s.sendErr == nil {
				s.sendErr = err
			}
			s.mu.Unlock()
		}
	}
	s.buf = stream.NewCoalescer(maxLen, softLimit, deliver, deliver)
	return s
}

// Push feeds the cumulative response text so far. Delivery errors are
// deferred to Finalize.
func (s *chunkSink) Push(full string) {
	if s.edit != nil {
		if err := s.edit.Push(full); err != nil {
			slog.Debug("streaming edit failed, will retry on finalize", "error", err)
		}
		return
	}
	s.buf.Push(full)
}

// Finalize flushes whatever remains and returns the first delivery error.
func (s *chunkSink) Finalize() error {
	if s.edit != nil {
		_, err := s.edit.Finalize()
		return err
	}
	s.buf.Finalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

// Abort discards undelivered output after a failed prompt.
func (s *chunkSink) Abort() {
	if s.edit != nil {
		s.edit.Abort()
		return
	}
	s.buf.Abort()
}
