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

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FailureThreshold:     3,
		Cooldown:             50 * time.Millisecond,
		HalfOpenMaxAttempts:  1,
		RetryInitialInterval: time.Millisecond,
		RetryMultiplier:      1.5,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMaxAttempts:     3,
	}
}

func TestDoSuccess(t *testing.T) {
	w := NewWrapper("dep", fastConfig(), nil)
	calls := 0
	err := w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	w := NewWrapper("dep", fastConfig(), nil)
	calls := 0
	err := w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("blip"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentFailures(t *testing.T) {
	w := NewWrapper("dep", fastConfig(), nil)
	boom := errors.New("access denied")
	calls := 0
	err := w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "a non-transient failure must not be retried")
}

func TestDoBoundsTransientRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 100 // keep the breaker out of this test
	w := NewWrapper("dep", cfg, nil)
	calls := 0
	err := w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return Transient(errors.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, int(cfg.RetryMaxAttempts), calls)
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 3
	cfg.RetryMaxAttempts = 3
	w := NewWrapper("dep", cfg, nil)

	calls := 0
	err := w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return Transient(errors.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, gobreaker.StateOpen, w.State())

	// While open, calls are shed without touching the dependency.
	err = w.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, calls)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := fastConfig()
	w := NewWrapper("dep", cfg, nil)

	err := w.Do(context.Background(), "op", func(context.Context) error {
		return Transient(errors.New("down"))
	})
	require.Error(t, err)
	require.Equal(t, gobreaker.StateOpen, w.State())

	// After the cooldown a trial call is admitted; success closes the breaker.
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	err = w.Do(context.Background(), "op", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", Transient(errors.New("x")), true},
		{"wrapped marked transient", errors.Join(errors.New("outer"), Transient(errors.New("x"))), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("validation failed"), false},
		{"cancellation", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
