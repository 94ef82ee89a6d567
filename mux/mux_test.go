package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pair(t *testing.T, opts ...Option) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	client := New(c1, true)
	server := New(c2, false, opts...)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	st, err := client.OpenStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), st.ID())

	_, err = st.Write([]byte("hello over mux"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, st.ID(), in.ID())

	data, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Equal(t, "hello over mux", string(data))

	_, err = st.Write([]byte("late"))
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestLargeWriteIsFramedAndOrdered(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	payload := bytes.Repeat([]byte("0123456789abcdef"), DefaultMaxFrameSize/4)
	st, err := client.OpenStream(ctx)
	require.NoError(t, err)
	go func() {
		st.Write(payload)
		st.Close()
	}()

	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStreamsDoNotBlockEachOther(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	idle, err := client.OpenStream(ctx)
	require.NoError(t, err)
	busy, err := client.OpenStream(ctx)
	require.NoError(t, err)

	// Nobody ever reads the idle stream on the server side.
	_, err = idle.Write(bytes.Repeat([]byte{0x01}, 4096))
	require.NoError(t, err)
	_, err = busy.Write([]byte("through"))
	require.NoError(t, err)

	first, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	second, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, idle.ID(), first.ID())

	buf := make([]byte, 7)
	_, err = io.ReadFull(second, buf)
	require.NoError(t, err)
	require.Equal(t, "through", string(buf))
	require.Equal(t, 2, server.NumStreams())
}

func TestBothDirectionsOnOneStream(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	st, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = st.Write([]byte("ping"))
	require.NoError(t, err)

	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(in, buf)
	require.NoError(t, err)

	_, err = in.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, in.Close())

	reply, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Equal(t, "pong", string(reply))

	require.NoError(t, st.Close())
	require.Eventually(t, func() bool { return client.NumStreams() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOversizedFrameResetsOnlyThatStream(t *testing.T) {
	client, server := pair(t, WithMaxFrameSize(64))
	ctx := ctxT(t)

	bad, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = bad.Write(bytes.Repeat([]byte{0xee}, 200))
	require.NoError(t, err)

	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = in.Read(make([]byte, 8))
	var ferr *FramingError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, bad.ID(), ferr.Stream)

	// The client learns about the reset.
	_, err = bad.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)

	// The session is still usable.
	good, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = good.Write([]byte("fine"))
	require.NoError(t, err)
	in2, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(in2, buf)
	require.NoError(t, err)
	require.Equal(t, "fine", string(buf))
	require.NoError(t, server.Err())
}

func TestSessionCloseClosesStreams(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	st, err := client.OpenStream(ctx)
	require.NoError(t, err)
	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := in.Read(make([]byte, 1))
		readErr <- err
	}()

	require.NoError(t, client.Close())
	require.ErrorIs(t, <-readErr, ErrSessionClosed)

	<-server.Done()
	_, err = server.AcceptStream(ctx)
	require.Error(t, err)
	_, err = server.OpenStream(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)

	_, err = st.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestAcceptHonoursContext(t *testing.T) {
	_, server := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.AcceptStream(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestResetIsPropagated(t *testing.T) {
	client, server := pair(t)
	ctx := ctxT(t)

	st, err := client.OpenStream(ctx)
	require.NoError(t, err)
	in, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	in.Reset()
	_, err = st.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)
}
