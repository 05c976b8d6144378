// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package refresh keeps stored OAuth credentials fresh in the background.
// One timer per (provider, auth_type, session) fires ahead of the token
// expiry; results are written back to the credential store, which doubles as
// the checkpoint across restarts.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llxprt/agentrt/internal/credstore"
	"github.com/llxprt/agentrt/internal/oauth"
	"github.com/llxprt/agentrt/internal/translator"
)

// Refresh timing policy.
const (
	// minLead is the minimum margin before expiry at which a refresh runs.
	minLead = 5 * time.Minute
	// leadFraction is the fraction of the remaining lifetime used as the
	// margin when larger than minLead.
	leadFraction = 0.2
	// maxDelay caps how far out a refresh is scheduled.
	maxDelay = 24 * time.Hour
	// defaultDelay is used for credentials with no recorded expiry.
	defaultDelay = 45 * time.Minute

	maxRetries       = 5
	retryBaseBackoff = 30 * time.Second
)

// RefreshAt computes when the credential expiring at expiresAt should be
// refreshed. A nil expiry falls back to a fixed interval; an already-due
// refresh returns now.
func RefreshAt(now time.Time, expiresAt *time.Time) time.Time {
	if expiresAt == nil {
		return now.Add(defaultDelay)
	}
	lifetime := expiresAt.Sub(now)
	lead := time.Duration(leadFraction * float64(lifetime))
	if lead < minLead {
		lead = minLead
	}
	at := expiresAt.Add(-lead)
	if at.Before(now) {
		return now
	}
	if max := now.Add(maxDelay); at.After(max) {
		return max
	}
	return at
}

// Refresher performs one provider token refresh.
type Refresher interface {
	Refresh(ctx context.Context, rec credstore.Record) (*oauth.Token, error)
}

// ClientRefresher dispatches refreshes to the oauth flow client by provider.
type ClientRefresher struct {
	Client *oauth.Client
}

// Refresh implements Refresher.
func (r ClientRefresher) Refresh(ctx context.Context, rec credstore.Record) (*oauth.Token, error) {
	switch rec.Provider {
	case translator.ProviderAnthropic:
		return r.Client.RefreshAnthropic(ctx, rec.Credentials.RefreshToken)
	case translator.ProviderOpenAIResponses, translator.ProviderOpenAIChat:
		return r.Client.RefreshOpenAI(ctx, rec.Credentials.RefreshToken)
	case translator.ProviderGemini:
		return r.Client.RefreshGemini(ctx, rec.Credentials.RefreshToken)
	default:
		return nil, fmt.Errorf("%w: %q", translator.ErrUnsupportedProvider, rec.Provider)
	}
}

type timerKey struct {
	provider translator.Provider
	authType translator.AuthType
	name     string
}

// Scheduler owns the refresh timers. Safe for concurrent use.
type Scheduler struct {
	store     *credstore.Store
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler builds a stopped scheduler; call Start to seed it from the
// store. A nil logger disables logging.
func NewScheduler(store *credstore.Store, refresher Refresher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		store:     store,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		timers:    map[timerKey]*time.Timer{},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Start schedules a refresh for every stored OAuth credential that is not
// flagged for re-authentication.
func (s *Scheduler) Start(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed refresh scheduler: %w", err)
	}
	for _, rec := range records {
		if rec.AuthType != translator.AuthTypeOAuth || rec.Credentials.RequiresReauth {
			continue
		}
		s.Schedule(rec)
	}
	return nil
}

// Schedule arms (or re-arms) the timer for one credential. Scheduling the
// same credential twice replaces the earlier timer.
func (s *Scheduler) Schedule(rec credstore.Record) {
	key := timerKey{rec.Provider, rec.AuthType, rec.Name}
	now := s.now()
	delay := RefreshAt(now, rec.ExpiresAt).Sub(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.logger.Debug("refresh scheduled",
		slog.String("provider", string(rec.Provider)),
		slog.String("session", rec.Name),
		slog.Duration("in", delay))
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key) })
}

// Cancel drops the timer for one credential, e.g. after deletion.
func (s *Scheduler) Cancel(provider translator.Provider, authType translator.AuthType, name string) {
	key := timerKey{provider, authType, name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Close stops all timers and waits for in-flight refreshes.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) fire(key timerKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := context.Background()
	rec, err := s.store.Get(ctx, key.provider, key.authType, key.name)
	if err != nil {
		// Deleted since scheduling; nothing to do.
		if !errors.Is(err, credstore.ErrNotFound) {
			s.logger.Warn("refresh skipped, credential unreadable",
				slog.String("session", key.name), slog.String("error", err.Error()))
		}
		return
	}
	if updated, ok := s.RefreshNow(ctx, *rec); ok {
		s.Schedule(*updated)
	}
}

// RefreshNow refreshes one credential with retries and persists the result.
// It returns the updated record and whether a future refresh should be
// scheduled.
func (s *Scheduler) RefreshNow(ctx context.Context, rec credstore.Record) (*credstore.Record, bool) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << (attempt - 1)
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, false
			}
		}

		tok, err := s.refresher.Refresh(ctx, rec)
		if err == nil {
			updated := s.applyToken(rec, tok)
			if putErr := s.store.Put(ctx, updated); putErr != nil {
				s.logger.Error("failed to persist refreshed credential",
					slog.String("session", rec.Name), slog.String("error", putErr.Error()))
				return nil, false
			}
			s.logger.Info("credential refreshed",
				slog.String("provider", string(rec.Provider)),
				slog.String("session", rec.Name))
			return &updated, true
		}
		lastErr = err

		if errors.Is(err, oauth.ErrInvalidRefreshToken) {
			s.logger.Warn("refresh token rejected, re-authentication required",
				slog.String("provider", string(rec.Provider)),
				slog.String("session", rec.Name))
			if markErr := s.store.MarkRequiresReauth(ctx, rec.Provider, rec.AuthType, rec.Name); markErr != nil {
				s.logger.Error("failed to flag credential for re-auth",
					slog.String("session", rec.Name), slog.String("error", markErr.Error()))
			}
			return nil, false
		}
	}

	s.logger.Error("credential refresh failed after retries",
		slog.String("provider", string(rec.Provider)),
		slog.String("session", rec.Name),
		slog.String("error", lastErr.Error()))
	// Transient failure; try again on the default interval.
	rec.ExpiresAt = nil
	return &rec, true
}

// applyToken merges a refreshed token into the stored record. Providers may
// omit the rotated refresh token; the previous one stays valid then.
func (s *Scheduler) applyToken(rec credstore.Record, tok *oauth.Token) credstore.Record {
	rec.Credentials.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		rec.Credentials.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		rec.Credentials.IDToken = tok.IDToken
	}
	if tok.Scope != "" {
		rec.Credentials.Scope = tok.Scope
	}
	if tok.TokenType != "" {
		rec.Credentials.TokenType = tok.TokenType
	}
	if tok.AccountID != "" {
		rec.Credentials.AccountID = tok.AccountID
	}
	if tok.PlanType != "" {
		rec.Credentials.PlanType = tok.PlanType
	}
	rec.Credentials.RequiresReauth = false
	exp := tok.ExpiresAt.UTC()
	if tok.ExpiresAt.IsZero() {
		// No reported lifetime; assume the default interval so the store
		// keeps a concrete expiry and the next refresh still happens.
		exp = s.now().Add(defaultDelay).UTC()
	}
	rec.ExpiresAt = &exp
	return rec
}
