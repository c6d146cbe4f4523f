package httpx

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testNonRetryable struct{ error }

func (testNonRetryable) Retry() bool { return false }

func TestRetryDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRetryDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 3, LinearStep: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	wantErr := testNonRetryable{errors.New("fatal")}
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 5, LinearStep: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return wantErr
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call before bailing out, got %d", calls)
	}
	if err != wantErr {
		t.Fatalf("expected the non-retryable error to be returned as-is, got %v", err)
	}
}

func TestRetryDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), RetryPolicy{MaxAttempts: 2, LinearStep: time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("attempt failed")
	})
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if err == nil || err.Error() != "attempt failed" {
		t.Fatalf("expected the last attempt's error, got %v", err)
	}
}

func TestRetryDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryDo(ctx, RetryPolicy{MaxAttempts: 3, LinearStep: 10 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected an error once the context is cancelled")
	}
	if calls != 1 {
		t.Fatalf("expected the wait between attempt 1 and 2 to be aborted by cancellation, got %d calls", calls)
	}
}
