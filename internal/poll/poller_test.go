package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"server/internal/apperr"
	"server/internal/httpx"
)

func TestRunCompletesOnFirstTerminalFetch(t *testing.T) {
	var lastProgress int
	fetch := func(ctx context.Context) (FetchResult, error) {
		return FetchResult{Status: Status{FinishTime: 1, ItemCount: 1}, Data: "done"}, nil
	}
	data, summary, err := Run(context.Background(), fetch, Options{
		ExpectedItemCount: 1,
		MaxPollCount:      5,
		TaskType:          TaskImage,
		OnProgress:        func(pct int) { lastProgress = pct },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != "done" {
		t.Fatalf("expected data %q, got %v", "done", data)
	}
	if summary.Status != "completed" || summary.PollCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if lastProgress != 100 {
		t.Fatalf("expected final progress 100, got %d", lastProgress)
	}
}

func TestRunReturnsFailureOnFailCode(t *testing.T) {
	fetch := func(ctx context.Context) (FetchResult, error) {
		return FetchResult{Status: Status{FailCode: 42}}, nil
	}
	_, summary, err := Run(context.Background(), fetch, Options{MaxPollCount: 5, TaskType: TaskImage})
	if err == nil {
		t.Fatal("expected an error for a non-zero fail_code")
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.UpstreamGenerationFail {
		t.Fatalf("expected UpstreamGenerationFail, got %v (ok=%v)", kind, ok)
	}
	if summary.Status != "failed" {
		t.Fatalf("expected failed summary, got %+v", summary)
	}
}

func TestRunDoesNotTreatFinishTimeAloneAsTerminal(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (FetchResult, error) {
		calls++
		if calls == 1 {
			// Finished but short: 1 of 2 expected items rendered.
			return FetchResult{Status: Status{FinishTime: 1, ItemCount: 1}}, nil
		}
		return FetchResult{Status: Status{FinishTime: 1, ItemCount: 2, State: "completed"}, Data: "done"}, nil
	}
	data, summary, err := Run(context.Background(), fetch, Options{
		ExpectedItemCount: 2,
		MaxPollCount:      5,
		TaskType:          TaskImage,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the partial finish to be polled again instead of accepted, got %d calls", calls)
	}
	if data != "done" || summary.Status != "completed" {
		t.Fatalf("unexpected result: data=%v summary=%+v", data, summary)
	}
}

func TestRunStopsImmediatelyOnNonRetryableFetchError(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (FetchResult, error) {
		calls++
		return FetchResult{}, httpx.NonRetryable(apperr.New(apperr.UpstreamProtocolError, "malformed response"))
	}
	_, summary, err := Run(context.Background(), fetch, Options{MaxPollCount: 5, TaskType: TaskImage})
	if calls != 1 {
		t.Fatalf("expected exactly 1 fetch before bailing out, got %d", calls)
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.UpstreamProtocolError {
		t.Fatalf("expected UpstreamProtocolError to surface immediately, got %v (ok=%v)", kind, ok)
	}
	if summary.Status != "failed" {
		t.Fatalf("expected failed summary, got %+v", summary)
	}
}

func TestRunRetriesPlainFetchErrorsUntilBudgetExhausted(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (FetchResult, error) {
		calls++
		return FetchResult{}, errors.New("transient network error")
	}
	_, summary, err := Run(context.Background(), fetch, Options{MaxPollCount: 2, TaskType: TaskImage})
	if calls != 2 {
		t.Fatalf("expected the plain error to be retried up to the poll budget, got %d calls", calls)
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.PollTimeout {
		t.Fatalf("expected PollTimeout after budget exhaustion, got %v (ok=%v)", kind, ok)
	}
	if summary.Status != "timeout" {
		t.Fatalf("expected timeout summary, got %+v", summary)
	}
}

func TestRunHonorsCancelBeforeFirstFetch(t *testing.T) {
	cancel := make(chan struct{})
	close(cancel)
	called := false
	fetch := func(ctx context.Context) (FetchResult, error) {
		called = true
		return FetchResult{}, nil
	}
	_, summary, err := Run(context.Background(), fetch, Options{MaxPollCount: 5, TaskType: TaskImage, Cancel: cancel})
	if called {
		t.Fatal("fetch should not run once already cancelled")
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.Cancelled {
		t.Fatalf("expected Cancelled, got %v (ok=%v)", kind, ok)
	}
	if summary.Status != "cancelled" {
		t.Fatalf("expected cancelled summary, got %+v", summary)
	}
}

func TestRunHonorsPastDeadlineWithoutFetching(t *testing.T) {
	called := false
	fetch := func(ctx context.Context) (FetchResult, error) {
		called = true
		return FetchResult{}, nil
	}
	_, summary, err := Run(context.Background(), fetch, Options{
		MaxPollCount: 5,
		TaskType:     TaskImage,
		Deadline:     time.Now().Add(-time.Second),
	})
	if called {
		t.Fatal("fetch should not run once the deadline has passed")
	}
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.PollTimeout {
		t.Fatalf("expected PollTimeout, got %v (ok=%v)", kind, ok)
	}
	if summary.Status != "timeout" {
		t.Fatalf("expected timeout summary, got %+v", summary)
	}
}

func TestEstimateProgressCapsAt95BeforeTerminal(t *testing.T) {
	opts := Options{ExpectedItemCount: 1, MaxPollCount: 4, TaskType: TaskImage}
	pct := estimateProgress(Status{ItemCount: 1}, opts, time.Hour)
	if pct > 95 {
		t.Fatalf("expected progress capped at 95 before terminal, got %d", pct)
	}
}

func TestBackoffGrowsAndCapsAtMax(t *testing.T) {
	base := 2 * time.Second
	if got := backoff(base, 1); got != base {
		t.Fatalf("first attempt should use base interval, got %v", got)
	}
	if got := backoff(base, 10); got != maxBackoff {
		t.Fatalf("expected backoff to cap at %v, got %v", maxBackoff, got)
	}
}
