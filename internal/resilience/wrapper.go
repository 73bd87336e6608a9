// Copyright (C) 2025 Harborline, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package resilience guards calls to external collaborators with a circuit
// breaker layered inside bounded exponential-backoff retry. The breaker stops
// retry storms against a known-down dependency: once it opens, calls fail
// fast and the retry loop treats that as permanent for the current call.
// Breaker state is process-local; each process keeps its own view of
// downstream health.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

// Config holds breaker and retry tuning. Thresholds and cooldowns are
// configuration, never hardcoded at call sites.
type Config struct {
	FailureThreshold    uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	HalfOpenMaxAttempts uint32        `mapstructure:"half_open_max_attempts" yaml:"half_open_max_attempts"`

	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMultiplier      float64       `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" yaml:"retry_max_interval"`
	RetryMaxAttempts     uint          `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		Cooldown:             30 * time.Second,
		HalfOpenMaxAttempts:  2,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMultiplier:      2.0,
		RetryMaxInterval:     5 * time.Second,
		RetryMaxAttempts:     4,
	}
}

// Wrapper guards one downstream dependency. Create one per dependency, not
// per call.
type Wrapper struct {
	name    string
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	ll      *slog.Logger
}

func NewWrapper(name string, cfg Config, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	ll := logger.With(slog.String("dependency", name))

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxAttempts,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ll.Warn("Circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Wrapper{
		name:    name,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		ll:      ll,
	}
}

// State exposes the breaker state for diagnostics.
func (w *Wrapper) State() gobreaker.State {
	return w.breaker.State()
}

// Do runs fn under the breaker and retry policy. Transient failures are
// retried with exponential backoff up to the configured attempt bound;
// non-transient failures and breaker-open rejections propagate immediately.
func (w *Wrapper) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.cfg.RetryInitialInterval
	expo.Multiplier = w.cfg.RetryMultiplier
	expo.MaxInterval = w.cfg.RetryMaxInterval

	attempt := func() (struct{}, error) {
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker is shedding load; retrying now would defeat it.
			return struct{}{}, backoff.Permanent(err)
		}
		if !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		w.ll.Debug("Transient failure, will retry",
			slog.String("op", op),
			slog.Any("error", err))
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(w.cfg.RetryMaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("%s %s: %w", w.name, op, err)
	}
	return nil
}
