package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLocalStorePolicy(t *testing.T) {
	config := LocalStore()
	if config.MaxAttempts != 8 {
		t.Errorf("Expected MaxAttempts=8, got %d", config.MaxAttempts)
	}
	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay=100ms, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 5*time.Second {
		t.Errorf("Expected MaxDelay=5s, got %v", config.MaxDelay)
	}
}

func TestRemotePolicyWaitsLonger(t *testing.T) {
	local, remote := LocalStore(), Remote()
	if remote.MaxAttempts <= local.MaxAttempts {
		t.Errorf("Expected more remote attempts than local ones, got %d <= %d", remote.MaxAttempts, local.MaxAttempts)
	}
	if remote.MaxDelay != time.Minute {
		t.Errorf("Expected MaxDelay=1m, got %v", remote.MaxDelay)
	}
}

func TestQueuePolicyHasNoJitter(t *testing.T) {
	config := Queue(time.Second, time.Hour)
	if config.JitterPercent != 0 || config.MaxAttempts != 0 {
		t.Errorf("Expected a bare schedule, got %+v", config)
	}
}

func fast(attempts uint64) *Config {
	return &Config{
		MaxAttempts:   attempts,
		BaseDelay:     1 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		JitterPercent: 10,
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fast(3), "test-operation", func(context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected operation to be called once, got %d", callCount)
	}
}

func TestDo_ExceedsMaxAttempts(t *testing.T) {
	failure := errors.New("persistent failure")
	callCount := 0
	err := Do(context.Background(), fast(3), "test-operation", func(context.Context) error {
		callCount++
		return failure
	})

	if !errors.Is(err, failure) {
		t.Errorf("Expected the last failure, got %v", err)
	}
	// go-retry does MaxAttempts + 1 total attempts (initial + retries)
	if callCount != 4 {
		t.Errorf("Expected operation to be called 4 times (initial + 3 retries), got %d", callCount)
	}
}

func TestDo_PermanentStopsAtOnce(t *testing.T) {
	bad := errors.New("etcd DSN must start with etcd://")
	callCount := 0
	err := Do(context.Background(), fast(5), "test-operation", func(context.Context) error {
		callCount++
		return Permanent(fmt.Errorf("invalid dsn: %w", bad))
	})

	if callCount != 1 {
		t.Errorf("Expected a single call, got %d", callCount)
	}
	if !errors.Is(err, bad) {
		t.Errorf("Expected the cause to be kept, got %v", err)
	}
	if IsPermanent(err) {
		t.Error("Expected the permanent marker to be stripped")
	}
	if Permanent(nil) != nil {
		t.Error("Expected Permanent(nil) to be nil")
	}
}

func TestCreateBackoff(t *testing.T) {
	config := &Config{
		MaxAttempts:   5,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}

	backoff := config.CreateBackoff()
	if backoff == nil {
		t.Error("Expected backoff to be created, got nil")
	}
}

func TestDelayFor(t *testing.T) {
	config := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}

	// retries 1..3 wait base*2, base*4, base*8
	expected := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, want := range expected {
		if got := config.DelayFor(uint32(i + 1)); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
	if got := config.DelayFor(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected base delay, got %v", got)
	}
}

func TestDelayForCapped(t *testing.T) {
	config := &Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if got := config.DelayFor(10); got != 5*time.Second {
		t.Errorf("Expected delay capped at 5s, got %v", got)
	}
	if got := (&Config{}).DelayFor(3); got != 0 {
		t.Errorf("Expected zero delay without base, got %v", got)
	}
}
