// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package supervisor enforces the per-session streaming discipline: at most
// one live stream per session, an idle watchdog on stream reads, and a hard
// turn deadline. Cancellation is cooperative through the stream context;
// callers observe the cause via context.Cause.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cancellation causes and admission errors.
var (
	ErrStreamInProgress = errors.New("stream_in_progress")
	ErrCancelled        = errors.New("cancelled")
	ErrIdleTimeout      = errors.New("idle_timeout")
	ErrTurnTimeout      = errors.New("turn_timeout")
)

// Default timeouts.
const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultTurnTimeout = 600 * time.Second
)

// Config tunes the supervisor. Zero values take the defaults.
type Config struct {
	// IdleTimeout cancels a stream when no bytes arrive for this long.
	IdleTimeout time.Duration
	// TurnTimeout caps the total wall time of one stream.
	TurnTimeout time.Duration
	// CancelPrevious makes a new stream for a busy session cancel the
	// running one instead of being rejected.
	CancelPrevious bool
	Logger         *slog.Logger
}

// Stream is one supervised stream lease.
type Stream struct {
	// ID uniquely identifies this stream for logging and results.
	ID      string
	Session string

	ctx    context.Context
	cancel context.CancelCauseFunc
	// stopTimeout releases the turn deadline timer.
	stopTimeout func() bool
}

// Context returns the stream context. It ends on cancellation, idle
// timeout, or the turn deadline; context.Cause reports which.
func (s *Stream) Context() context.Context { return s.ctx }

// Supervisor tracks the live stream per session.
type Supervisor struct {
	idleTimeout    time.Duration
	turnTimeout    time.Duration
	cancelPrevious bool
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*Stream
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		idleTimeout:    cfg.IdleTimeout,
		turnTimeout:    cfg.TurnTimeout,
		cancelPrevious: cfg.CancelPrevious,
		logger:         cfg.Logger,
		active:         map[string]*Stream{},
	}
}

// Begin admits a new stream for the session. With CancelPrevious unset a
// busy session returns ErrStreamInProgress; otherwise the running stream is
// cancelled first.
func (s *Supervisor) Begin(parent context.Context, session string) (*Stream, error) {
	s.mu.Lock()
	if prev, ok := s.active[session]; ok {
		if !s.cancelPrevious {
			s.mu.Unlock()
			return nil, ErrStreamInProgress
		}
		prev.cancel(ErrCancelled)
		delete(s.active, session)
		s.logger.Info("previous stream cancelled", slog.String("session", session))
	}

	ctx, cancel := context.WithCancelCause(parent)
	stream := &Stream{
		ID:      uuid.NewString(),
		Session: session,
		ctx:     ctx,
		cancel:  cancel,
	}
	timeout := time.AfterFunc(s.turnTimeout, func() { cancel(ErrTurnTimeout) })
	stream.stopTimeout = timeout.Stop
	s.active[session] = stream
	s.mu.Unlock()

	s.logger.Debug("stream admitted",
		slog.String("session", session), slog.String("stream_id", stream.ID))
	return stream, nil
}

// End releases the stream lease. Idempotent.
func (s *Supervisor) End(stream *Stream) {
	stream.stopTimeout()
	stream.cancel(nil)
	s.mu.Lock()
	if cur, ok := s.active[stream.Session]; ok && cur == stream {
		delete(s.active, stream.Session)
	}
	s.mu.Unlock()
}

// Cancel aborts the session's live stream, if any. Reports whether a stream
// was cancelled.
func (s *Supervisor) Cancel(session string) bool {
	s.mu.Lock()
	stream, ok := s.active[session]
	if ok {
		delete(s.active, session)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	stream.cancel(ErrCancelled)
	s.logger.Info("stream cancelled", slog.String("session", session))
	return true
}

// Busy reports whether the session has a live stream.
func (s *Supervisor) Busy(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[session]
	return ok
}

// WatchReader wraps the response body so that a read gap longer than the
// idle timeout cancels the stream. The watchdog stops when the reader hits
// EOF or any error.
func (s *Supervisor) WatchReader(stream *Stream, r io.Reader) io.Reader {
	timer := time.AfterFunc(s.idleTimeout, func() { stream.cancel(ErrIdleTimeout) })
	return &idleReader{r: r, timer: timer, timeout: s.idleTimeout}
}

type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if err != nil {
		ir.timer.Stop()
		return n, err
	}
	ir.timer.Reset(ir.timeout)
	return n, nil
}
