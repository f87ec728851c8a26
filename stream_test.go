package typedb

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponseStream_PartsBeforeEnd(t *testing.T) {
	stream := newResponseStream()
	stream.push([]byte("a"))
	stream.push([]byte("b"))
	require.True(t, stream.finish(io.EOF))
	require.False(t, stream.finish(errors.New("late")))
	stream.push([]byte("ignored"))

	parts, err := stream.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, parts)

	_, err = stream.Next(context.Background())
	require.Equal(t, io.EOF, err)
}

func TestResponseStream_Failure(t *testing.T) {
	reason := errors.New("connection lost")
	stream := newResponseStream()
	stream.push([]byte("a"))
	stream.finish(reason)

	parts, err := stream.Collect(context.Background())
	require.Equal(t, reason, err)
	require.Equal(t, [][]byte{[]byte("a")}, parts)

	for i := 0; i < 2; i++ {
		_, err = stream.Next(context.Background())
		require.Equal(t, reason, err)
	}
}

func TestResponseStream_NextWaits(t *testing.T) {
	stream := newResponseStream()

	go func() {
		time.Sleep(10 * time.Millisecond)
		stream.push([]byte("a"))
	}()

	part, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), part)
	require.Nil(t, stream.Err())

	select {
	case <-stream.Done():
		t.Fatal("stream should be in progress")
	default:
	}
}

func TestResponseStream_NextContext(t *testing.T) {
	stream := newResponseStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_ResolvesOnce(t *testing.T) {
	fut := NewFuture()
	resp := &Response{Payload: []byte("a")}

	require.True(t, fut.SetResponse(resp))
	require.False(t, fut.SetError(errors.New("late")))
	require.False(t, fut.SetResponse(&Response{}))

	<-fut.WaitChan()
	got, err := fut.Get()
	require.NoError(t, err)
	require.Same(t, resp, got)
}

func TestFuture_Error(t *testing.T) {
	reason := errors.New("failed")
	fut := NewErrorFuture(reason)

	require.Equal(t, reason, fut.Err())
	var result string
	require.Equal(t, reason, fut.GetTyped(&result))
}
