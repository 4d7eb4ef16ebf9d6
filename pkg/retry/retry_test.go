package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient failure")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	attempts := 0
	baseErr := errors.New("always fails")
	err := Do(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		return baseErr
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, baseErr) {
		t.Errorf("expected wrapped base error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryable(t *testing.T) {
	attempts := 0
	baseErr := errors.New("bad input")
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}, func() error {
		attempts++
		return NonRetryable(baseErr)
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, baseErr) {
		t.Errorf("expected wrapped base error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Config{
			MaxAttempts:  10,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}, func() error {
			attempts++
			return errors.New("keep retrying")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancellation")
	}

	if attempts == 0 {
		t.Error("expected at least one attempt before cancellation")
	}
}

func TestRetry_InvalidConfig(t *testing.T) {
	noop := func() error { return nil }

	if err := Do(context.Background(), Config{InitialDelay: -1}, noop); err == nil {
		t.Error("negative InitialDelay should be rejected")
	}
	if err := Do(context.Background(), Config{Multiplier: -1}, noop); err == nil {
		t.Error("negative Multiplier should be rejected")
	}
	if err := Do(context.Background(), Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Millisecond,
	}, noop); err == nil {
		t.Error("MaxDelay below InitialDelay should be rejected")
	}
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

func TestRetry_PresetConfigs(t *testing.T) {
	if cfg := DefaultConfig(); cfg.MaxAttempts != 3 || !cfg.AddJitter {
		t.Errorf("unexpected default config: %+v", cfg)
	}
	if cfg := Quick(); cfg.MaxAttempts != 10 || cfg.InitialDelay != 50*time.Millisecond {
		t.Errorf("unexpected quick config: %+v", cfg)
	}
	if cfg := Persistent(); cfg.MaxAttempts != 30 || cfg.MaxDelay != 10*time.Second {
		t.Errorf("unexpected persistent config: %+v", cfg)
	}
}
