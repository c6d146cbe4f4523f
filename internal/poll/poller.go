// Package poll implements the smart poller: it drives a status-fetch
// closure until a terminal state is observed, reporting progress and
// honoring cancellation and a deadline through a single state machine
// instead of a per-call timer chain.
package poll

import (
	"context"
	"strconv"
	"time"

	"server/internal/apperr"
	"server/internal/httpx"
)

// Status is the upstream status snapshot returned by one fetch.
type Status struct {
	State         string // upstream state string, e.g. "processing" | "completed" | "failed"
	FailCode      int
	ItemCount     int
	FinishTime    int64
	CorrelationID string
}

// FetchResult pairs a Status with the opaque payload it accompanies.
type FetchResult struct {
	Status Status
	Data   any
}

// FetchFunc performs one status check. Transient network errors should be
// returned as plain errors (the poller retries them within budget). An
// error that implements httpx.Retryable and reports Retry() == false
// (e.g. a malformed response or a 4xx) terminates the poll immediately
// instead of burning the rest of the poll budget as a timeout.
type FetchFunc func(ctx context.Context) (FetchResult, error)

// ProgressFunc receives a monotonically non-decreasing 0-100 estimate.
type ProgressFunc func(percent int)

// TaskType selects the interval schedule.
type TaskType string

const (
	TaskImage TaskType = "image"
	TaskVideo TaskType = "video"
)

// Options configures one poll run.
type Options struct {
	ExpectedItemCount int
	MaxPollCount      int
	TaskType          TaskType
	Deadline          time.Time // zero means no explicit deadline beyond MaxPollCount
	Cancel            <-chan struct{}
	OnProgress        ProgressFunc
}

// Summary describes how the poll run ended.
type Summary struct {
	Status      string
	ElapsedTime time.Duration
	PollCount   int
}

const maxBackoff = 30 * time.Second

// baseInterval returns the schedule's starting interval for taskType.
func baseInterval(t TaskType) time.Duration {
	if t == TaskVideo {
		return 5 * time.Second
	}
	return 2 * time.Second
}

// Run drives fetch until terminal, cancelled, or budget/deadline exhausted.
func Run(ctx context.Context, fetch FetchFunc, opts Options) (any, Summary, error) {
	start := time.Now()
	interval := baseInterval(opts.TaskType)
	consecutiveErrs := 0
	pollCount := 0

	for {
		select {
		case <-opts.Cancel:
			return nil, Summary{Status: "cancelled", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.Cancelled, "poll cancelled")
		default:
		}
		if !opts.Deadline.IsZero() && time.Now().After(opts.Deadline) {
			return nil, Summary{Status: "timeout", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.PollTimeout, "deadline exceeded")
		}
		if pollCount >= opts.MaxPollCount {
			return nil, Summary{Status: "timeout", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.PollTimeout, "poll budget exhausted")
		}

		result, err := fetch(ctx)
		pollCount++
		if err != nil {
			if r, ok := err.(httpx.Retryable); ok && !r.Retry() {
				return nil, Summary{Status: "failed", ElapsedTime: time.Since(start), PollCount: pollCount}, err
			}
			consecutiveErrs++
			if pollCount >= opts.MaxPollCount {
				return nil, Summary{Status: "timeout", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.PollTimeout, "poll budget exhausted after transient errors")
			}
			if !sleepOrCancel(ctx, opts.Cancel, backoff(interval, consecutiveErrs)) {
				return nil, Summary{Status: "cancelled", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.Cancelled, "poll cancelled")
			}
			continue
		}
		consecutiveErrs = 0

		if opts.OnProgress != nil {
			opts.OnProgress(estimateProgress(result.Status, opts, time.Since(start)))
		}

		if result.Status.FailCode != 0 {
			return nil, Summary{Status: "failed", ElapsedTime: time.Since(start), PollCount: pollCount},
				apperr.New(apperr.UpstreamGenerationFail, failCodeMessage(result.Status.FailCode))
		}

		if isTerminal(result.Status, opts.ExpectedItemCount) {
			if opts.OnProgress != nil {
				opts.OnProgress(100)
			}
			return result.Data, Summary{Status: "completed", ElapsedTime: time.Since(start), PollCount: pollCount}, nil
		}

		if !sleepOrCancel(ctx, opts.Cancel, interval) {
			return nil, Summary{Status: "cancelled", ElapsedTime: time.Since(start), PollCount: pollCount}, apperr.New(apperr.Cancelled, "poll cancelled")
		}
	}
}

// isTerminal reports whether s represents a finished poll. FinishTime
// alone is not sufficient: an upstream response can be marked finished
// while short of the expected item count (a partial success), which
// spec.md §4.4 forbids reporting as completed.
func isTerminal(s Status, expected int) bool {
	if s.FinishTime > 0 && s.ItemCount >= expected {
		return true
	}
	return s.ItemCount >= expected && s.State == "completed"
}

func estimateProgress(s Status, opts Options, elapsed time.Duration) int {
	itemFrac := 0.0
	if opts.ExpectedItemCount > 0 {
		itemFrac = float64(s.ItemCount) / float64(opts.ExpectedItemCount)
	}
	timeFrac := 0.0
	estimated := baseInterval(opts.TaskType) * time.Duration(opts.MaxPollCount) / 4
	if estimated > 0 {
		timeFrac = float64(elapsed) / float64(estimated)
	}
	frac := (itemFrac + timeFrac) / 2
	if frac > 0.95 {
		frac = 0.95
	}
	if frac < 0 {
		frac = 0
	}
	pct := int(frac * 100)
	if pct > 95 {
		pct = 95
	}
	return pct
}

func backoff(base time.Duration, consecutiveErrs int) time.Duration {
	d := base
	for i := 1; i < consecutiveErrs; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func sleepOrCancel(ctx context.Context, cancel <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

func failCodeMessage(code int) string {
	return "upstream generation failed: fail_code=" + strconv.Itoa(code)
}
