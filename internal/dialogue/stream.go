package dialogue

import (
	"context"
	"io"
)

type streamItem struct {
	chunk Chunk
	err   error
}

// Stream is a finite, pull-based sequence of reply chunks. It is not restartable.
type Stream struct {
	items  <-chan streamItem
	cancel context.CancelFunc
	done   bool
	err    error
}

func failedStream(err error) *Stream {
	items := make(chan streamItem, 1)
	items <- streamItem{err: err}
	close(items)
	return &Stream{items: items, cancel: func() {}}
}

// Next blocks for the next chunk. It returns io.EOF after the completing chunk has been
// returned, the producer's error if generation failed, or ctx.Err() if ctx ends first.
// Chunks returned before an error remain valid.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	select {
	case <-ctx.Done():
		s.finish(ctx.Err())
		return Chunk{}, ctx.Err()
	case item, ok := <-s.items:
		switch {
		case !ok:
			// Producer stopped without completing; only happens on cancellation.
			s.finish(context.Canceled)
			return Chunk{}, s.err
		case item.err != nil:
			s.finish(item.err)
			return Chunk{}, item.err
		case item.chunk.Complete:
			s.finish(nil)
			return item.chunk, nil
		default:
			return item.chunk, nil
		}
	}
}

// Close abandons the stream and stops the producer.
func (s *Stream) Close() {
	s.cancel()
	if !s.done {
		s.finish(context.Canceled)
	}
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.cancel()
}
