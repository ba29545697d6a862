package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatrelay/internal/pkg/errs"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
)

// BackoffConfig bounds the reconnect schedule.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// policy returns the schedule for one reconnect run, stopping after MaxAttempts or when ctx ends.
func (c BackoffConfig) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BaseDelay
	exp.MaxInterval = c.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	// the first attempt is not a retry
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}

// retriable reports whether a failed attempt is worth repeating with the same token.
func retriable(err error) bool {
	if errs.IsAuth(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type reconnectRun struct {
	cancel context.CancelFunc
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.cancel()
		s.reconnect = nil
	}
}

// scheduleReconnect starts a background reconnect run unless one is already active,
// the token was rejected, or the session is closed.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.reconnect != nil || s.token == "" || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	run := &reconnectRun{cancel: cancel}
	s.reconnect = run
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.reconnect == run {
				s.reconnect = nil
			}
			s.mu.Unlock()
			cancel()
		}()

		attempt := 0
		operation := func() error {
			attempt++
			err := s.connectShared(ctx)
			if err != nil && (!retriable(err) || ctx.Err() != nil) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("Reconnect attempt failed.")
		}

		if err := backoff.RetryNotify(operation, s.cfg.Backoff.policy(ctx), notify); err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Int("attempts", attempt).Msg("Giving up on reconnecting.")
			}
			return
		}
		s.logger.Info().Int("attempts", attempt).Msg("Reconnected.")
	}()
}
