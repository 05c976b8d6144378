// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package supervisor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBegin_SecondStreamRejected(t *testing.T) {
	s := New(Config{})
	first, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(first)

	_, err = s.Begin(context.Background(), "sess")
	require.ErrorIs(t, err, ErrStreamInProgress)

	// A different session is unaffected.
	other, err := s.Begin(context.Background(), "other")
	require.NoError(t, err)
	s.End(other)
}

func TestBegin_CancelPrevious(t *testing.T) {
	s := New(Config{CancelPrevious: true})
	first, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)

	second, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(second)
	defer s.End(first)

	<-first.Context().Done()
	require.ErrorIs(t, context.Cause(first.Context()), ErrCancelled)
	require.NoError(t, second.Context().Err())
}

func TestEnd_ReleasesSession(t *testing.T) {
	s := New(Config{})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	require.True(t, s.Busy("sess"))

	s.End(stream)
	require.False(t, s.Busy("sess"))

	again, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	s.End(again)
}

func TestCancel(t *testing.T) {
	s := New(Config{})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(stream)

	require.True(t, s.Cancel("sess"))
	<-stream.Context().Done()
	require.ErrorIs(t, context.Cause(stream.Context()), ErrCancelled)
	require.False(t, s.Cancel("sess"))
}

func TestTurnTimeout(t *testing.T) {
	s := New(Config{TurnTimeout: 20 * time.Millisecond})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(stream)

	<-stream.Context().Done()
	require.ErrorIs(t, context.Cause(stream.Context()), ErrTurnTimeout)
}

func TestIdleTimeout(t *testing.T) {
	s := New(Config{IdleTimeout: 20 * time.Millisecond})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(stream)

	// A reader that never yields more data trips the watchdog.
	blocked := make(chan struct{})
	r := s.WatchReader(stream, readerFunc(func([]byte) (int, error) {
		<-blocked
		return 0, io.EOF
	}))
	go func() {
		buf := make([]byte, 8)
		_, _ = r.Read(buf)
	}()

	<-stream.Context().Done()
	require.ErrorIs(t, context.Cause(stream.Context()), ErrIdleTimeout)
	close(blocked)
}

func TestIdleReader_ActivityResetsWatchdog(t *testing.T) {
	s := New(Config{IdleTimeout: 60 * time.Millisecond})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(stream)

	r := s.WatchReader(stream, io.Reader(strings.NewReader(strings.Repeat("x", 1024))))
	buf := make([]byte, 16)
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		_, err := r.Read(buf)
		require.NoError(t, err)
	}
	require.NoError(t, stream.Context().Err())
}

func TestIdleReader_StopsOnEOF(t *testing.T) {
	s := New(Config{IdleTimeout: 20 * time.Millisecond})
	stream, err := s.Begin(context.Background(), "sess")
	require.NoError(t, err)
	defer s.End(stream)

	r := s.WatchReader(stream, strings.NewReader("done"))
	_, err = io.ReadAll(r)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, stream.Context().Err())
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
