package typedb

import (
	"context"
	"io"
	"sync"
)

// ResponseStream is a lazy sequence of reply parts of a streamed call.
//
// Parts are buffered without a limit, so the connection reader never waits
// for a consumer. After the final part Next returns io.EOF, and after a
// failure it returns that failure, on every subsequent call.
type ResponseStream struct {
	requestId RequestId
	mutex     sync.Mutex
	parts     [][]byte
	err       error
	notify    chan struct{}
	done      chan struct{}
}

func newResponseStream() *ResponseStream {
	return &ResponseStream{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewErrorStream returns a finished stream that yields err.
func NewErrorStream(err error) *ResponseStream {
	stream := newResponseStream()
	stream.finish(err)
	return stream
}

// RequestId returns an id assigned to the request.
func (stream *ResponseStream) RequestId() RequestId {
	return stream.requestId
}

// Next returns the next part. It blocks until a part arrives, the stream
// finishes or ctx is done.
func (stream *ResponseStream) Next(ctx context.Context) ([]byte, error) {
	for {
		stream.mutex.Lock()
		if len(stream.parts) > 0 {
			part := stream.parts[0]
			stream.parts[0] = nil
			stream.parts = stream.parts[1:]
			stream.mutex.Unlock()
			return part, nil
		}
		err := stream.err
		stream.mutex.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-stream.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Collect reads all remaining parts.
func (stream *ResponseStream) Collect(ctx context.Context) ([][]byte, error) {
	var parts [][]byte
	for {
		part, err := stream.Next(ctx)
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return parts, err
		}
		parts = append(parts, part)
	}
}

// Done returns channel which becomes closed when the last part has been
// received or the stream failed.
func (stream *ResponseStream) Done() <-chan struct{} {
	return stream.done
}

// Err returns the terminal error of a finished stream without waiting. It is
// io.EOF for a stream finished normally and nil for a stream in progress.
func (stream *ResponseStream) Err() error {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.err
}

func (stream *ResponseStream) push(part []byte) {
	stream.mutex.Lock()
	if stream.err != nil {
		stream.mutex.Unlock()
		return
	}
	stream.parts = append(stream.parts, part)
	stream.mutex.Unlock()
	stream.wakeup()
}

func (stream *ResponseStream) finish(err error) bool {
	stream.mutex.Lock()
	if stream.err != nil {
		stream.mutex.Unlock()
		return false
	}
	stream.err = err
	close(stream.done)
	stream.mutex.Unlock()
	stream.wakeup()
	return true
}

func (stream *ResponseStream) wakeup() {
	select {
	case stream.notify <- struct{}{}:
	default:
	}
}
