package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callkit/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig(maxAttempts int) retry.Config {
	return retry.Config{
		MaxAttempts:        maxAttempts,
		InitialDelay:       time.Millisecond,
		MaxDelay:           50 * time.Millisecond,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	exec, err := retry.NewExecutor[int](fastConfig(3), testLogger())
	require.NoError(t, err)

	calls := 0
	result := exec.Execute(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	assert.True(t, result.Succeeded)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
	assert.NoError(t, result.LastErr)
}

func TestExecuteAlwaysFailingInvokedExactlyN(t *testing.T) {
	const n = 4
	exec, err := retry.NewExecutor[string](fastConfig(n), testLogger())
	require.NoError(t, err)

	opErr := errors.New("создание вызова не удалось")
	calls := 0
	result := exec.Execute(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		return "", opErr
	})

	assert.False(t, result.Succeeded)
	assert.Equal(t, n, result.Attempts)
	assert.Equal(t, n, calls)
	assert.ErrorIs(t, result.LastErr, opErr)
	assert.Empty(t, result.Value)
}

func TestExecuteSucceedsAfterFailures(t *testing.T) {
	exec, err := retry.NewExecutor[int](fastConfig(5), testLogger())
	require.NoError(t, err)

	calls := 0
	result := exec.Execute(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("временная ошибка")
		}
		return 7, nil
	})

	assert.True(t, result.Succeeded)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 7, result.Value)
}

func TestExecuteShouldRetryFalseStopsImmediately(t *testing.T) {
	exec, err := retry.NewExecutor[int](fastConfig(5), testLogger())
	require.NoError(t, err)

	opErr := errors.New("permission denied")
	calls := 0
	start := time.Now()
	result := exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, opErr
		},
		retry.WithShouldRetry(func(err error) bool { return false }),
	)

	assert.False(t, result.Succeeded)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastErr, opErr)
	// Остановка без ожидания
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestExecuteExponentialDelaysGrow(t *testing.T) {
	cfg := retry.Config{
		MaxAttempts:        4,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	var delays []time.Duration
	exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		}),
	)

	require.Len(t, delays, 3)
	assert.Equal(t, time.Millisecond, delays[0])
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1],
			"задержка перед попыткой %d должна расти", i+2)
	}
}

func TestExecuteFixedBackoff(t *testing.T) {
	cfg := retry.Config{
		MaxAttempts:        3,
		InitialDelay:       2 * time.Millisecond,
		MaxDelay:           time.Second,
		ExponentialBackoff: false,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	var delays []time.Duration
	exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		}),
	)

	require.Len(t, delays, 2)
	for _, d := range delays {
		assert.Equal(t, 2*time.Millisecond, d)
	}
}

func TestExecuteDelayCappedAtMaxDelay(t *testing.T) {
	cfg := retry.Config{
		MaxAttempts:        6,
		InitialDelay:       time.Millisecond,
		MaxDelay:           4 * time.Millisecond,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	var delays []time.Duration
	exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		}),
	)

	require.Len(t, delays, 5)
	for _, d := range delays {
		assert.LessOrEqual(t, d, 4*time.Millisecond)
	}
	assert.Equal(t, 4*time.Millisecond, delays[len(delays)-1])
}

func TestExecuteFractionalMultiplierNoGrowth(t *testing.T) {
	// Унаследованное поведение: усечение множителя до целого
	// вырождает 1.5 в 1 - задержка не растет.
	cfg := retry.Config{
		MaxAttempts:        4,
		InitialDelay:       time.Millisecond,
		MaxDelay:           time.Second,
		BackoffMultiplier:  1.5,
		ExponentialBackoff: true,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	var delays []time.Duration
	exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			delays = append(delays, delay)
		}),
	)

	require.Len(t, delays, 3)
	for _, d := range delays {
		assert.Equal(t, time.Millisecond, d)
	}
}

func TestExecuteSingleAttemptNoWaiting(t *testing.T) {
	cfg := retry.Config{
		MaxAttempts:        1,
		InitialDelay:       time.Hour,
		MaxDelay:           time.Hour,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	calls := 0
	start := time.Now()
	result := exec.Execute(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("fail")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestExecuteContextCancelledDuringWait(t *testing.T) {
	cfg := retry.Config{
		MaxAttempts:        3,
		InitialDelay:       time.Hour,
		MaxDelay:           time.Hour,
		ExponentialBackoff: false,
	}
	exec, err := retry.NewExecutor[int](cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := exec.Execute(ctx, func(ctx context.Context) (int, error) {
		return 0, errors.New("fail")
	})

	assert.False(t, result.Succeeded)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastErr, context.Canceled)
}

func TestExecuteOnRetryReceivesAttemptNumbers(t *testing.T) {
	exec, err := retry.NewExecutor[int](fastConfig(3), testLogger())
	require.NoError(t, err)

	var attempts []int
	exec.Execute(context.Background(),
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  retry.Config
		wantErr bool
	}{
		{"default ok", retry.DefaultConfig(), false},
		{"network ok", retry.NetworkConfig(), false},
		{"zero attempts", retry.Config{MaxAttempts: 0, InitialDelay: time.Millisecond}, true},
		{"zero delay", retry.Config{MaxAttempts: 3}, true},
		{"multiplier below one", retry.Config{
			MaxAttempts: 3, InitialDelay: time.Millisecond,
			BackoffMultiplier: 0.5, ExponentialBackoff: true,
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
