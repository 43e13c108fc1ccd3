// Package ratelimit holds the process-wide cooldown imposed by the ticket
// service. Once a reset time is set every outbound call short-circuits until
// it passes, after which the state clears itself.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	settingResetAt = "rate_limit_reset_at"
	settingQuota   = "rate_limit_last_quota"
)

// Store persists the cooldown so it survives a restart. *db.DB satisfies it.
type Store interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// State tracks the rate-limit reset time and the last quota the service
// reported. It is safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	resetAt time.Time
	quota   int
	known   bool
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	// OnSet, when set before use, is called after each new cooldown.
	OnSet func(resetAt time.Time)
}

// NewState creates a State, restoring a persisted cooldown from store when
// one is given.
func NewState(store Store, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{store: store, logger: logger, now: time.Now}
	s.load()
	return s
}

func (s *State) load() {
	if s.store == nil {
		return
	}
	if v, err := s.store.GetSetting(settingResetAt); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.resetAt = t
		}
	}
	if v, err := s.store.GetSetting(settingQuota); err == nil && v != "" {
		if q, err := strconv.Atoi(v); err == nil {
			s.quota = q
			s.known = true
		}
	}
}

// Set stores the reset time, persists it, and logs.
func (s *State) Set(resetAt time.Time) {
	s.mu.Lock()
	s.resetAt = resetAt
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetSetting(settingResetAt, resetAt.UTC().Format(time.RFC3339Nano)); err != nil {
			s.logger.Warn("persisting rate limit reset", "error", err)
		}
	}
	s.logger.Warn("rate limit set", "reset_at", resetAt)
	if s.OnSet != nil {
		s.OnSet(resetAt)
	}
}

// Active returns true while the stored resetAt is in the future. Once it
// passes the state is cleared.
func (s *State) Active() bool {
	s.mu.RLock()
	resetAt := s.resetAt
	s.mu.RUnlock()

	if resetAt.IsZero() {
		return false
	}
	if s.now().Before(resetAt) {
		return true
	}
	s.clear(resetAt)
	return false
}

func (s *State) clear(seen time.Time) {
	s.mu.Lock()
	if !s.resetAt.Equal(seen) {
		s.mu.Unlock()
		return
	}
	s.resetAt = time.Time{}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetSetting(settingResetAt, ""); err != nil {
			s.logger.Warn("clearing rate limit reset", "error", err)
		}
	}
	s.logger.Info("rate limit cleared")
}

// ResetAt returns the stored reset time (zero value if none).
func (s *State) ResetAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resetAt
}

// SetQuota records the remaining request quota reported by the service.
func (s *State) SetQuota(remaining int) {
	s.mu.Lock()
	changed := !s.known || s.quota != remaining
	s.quota = remaining
	s.known = true
	s.mu.Unlock()

	if changed && s.store != nil {
		if err := s.store.SetSetting(settingQuota, strconv.Itoa(remaining)); err != nil {
			s.logger.Warn("persisting rate limit quota", "error", err)
		}
	}
}

// Quota returns the last known remaining quota and whether one was seen.
func (s *State) Quota() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota, s.known
}

// Wait blocks until the cooldown expires or the context is cancelled.
// Returns nil immediately when no cooldown is active.
func (s *State) Wait(ctx context.Context) error {
	s.mu.RLock()
	resetAt := s.resetAt
	s.mu.RUnlock()

	wait := resetAt.Sub(s.now())
	if resetAt.IsZero() || wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
