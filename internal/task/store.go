package task

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"server/internal/apperr"
)

// TransitionExtra carries the optional fields a transition may set.
type TransitionExtra struct {
	Result   []string
	Error    string
	Progress *int
}

// timeoutTimer arms a deadline that fails a task if it never reaches a
// terminal state, one timer per task rather than a single global sweep.
type timeoutTimer struct {
	timer *time.Timer
}

// Store is the in-memory Task Store. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	timeouts map[string]*timeoutTimer
	seq      uint64

	reaperStop chan struct{}
}

// NewStore builds an empty Store and starts its terminal-task reaper,
// which removes terminal tasks older than retention.
func NewStore(retention time.Duration) *Store {
	s := &Store{
		tasks:      make(map[string]*Task),
		timeouts:   make(map[string]*timeoutTimer),
		reaperStop: make(chan struct{}),
	}
	go s.runReaper(retention)
	return s
}

// Close stops the reaper goroutine.
func (s *Store) Close() { close(s.reaperStop) }

func (s *Store) runReaper(retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reap(retention)
		}
	}
}

func (s *Store) reap(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if TerminalStatus(t.Status) && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			delete(s.timeouts, id)
		}
	}
}

// Create registers a new pending task. owner identifies the caller the
// task belongs to (the derived session id from its credential); it is
// empty for callers that don't scope tasks by owner.
func (s *Store) Create(taskType Type, params Params, priority int, owner string) *Task {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    StatusPending,
		Priority:  priority,
		Params:    params,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		sequence:  s.seq,
	}
	s.tasks[t.ID] = t
	cp := *t
	return &cp
}

// Get returns a copy of the task, or TaskNotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.TaskNotFound, "task not found")
	}
	cp := *t
	return &cp, nil
}

// List returns tasks matching owner (if non-empty) and status (if
// non-empty), newest-created first, capped at limit (0 means unlimited).
func (s *Store) List(owner string, status Status, limit int) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if owner != "" && t.Owner != owner {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Pending returns pending tasks sorted by priority descending, ties
// broken by creation order ascending.
func (s *Store) Pending() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].sequence < out[j].sequence
	})
	return out
}

// Stats returns a count per status.
func (s *Store) Stats() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[Status]int{}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// Transition validates and applies a status change, updating timestamps
// and clearing any armed timeout when the new status is terminal.
func (s *Store) Transition(id string, newStatus Status, extra TransitionExtra) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.TaskNotFound, "task not found")
	}
	if !canTransition(t.Status, newStatus) {
		return nil, apperr.New(apperr.TaskCancelFailed, "invalid status transition")
	}

	now := time.Now()
	t.Status = newStatus
	t.UpdatedAt = now
	if extra.Progress != nil {
		t.Progress = *extra.Progress
	}
	if extra.Result != nil {
		t.Result = extra.Result
	}
	if extra.Error != "" {
		t.Error = extra.Error
	}

	switch newStatus {
	case StatusRunning:
		t.StartedAt = &now
	case StatusCompleted:
		t.Progress = 100
		t.CompletedAt = &now
	case StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	}

	if TerminalStatus(newStatus) {
		if tm, ok := s.timeouts[id]; ok {
			tm.timer.Stop()
			delete(s.timeouts, id)
		}
	}

	cp := *t
	return &cp, nil
}

// UpdateProgress sets a running task's progress if pct is higher than its
// current value, preserving the monotonic-progress invariant without
// performing a status transition.
func (s *Store) UpdateProgress(id string, pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusRunning {
		return
	}
	if pct > t.Progress {
		t.Progress = pct
		t.UpdatedAt = time.Now()
	}
}

// SetTimeout arms a deadline for id; on expiry the task is transitioned
// to failed with error "timeout" unless it already reached a terminal
// state. onTimeout, if non-nil, fires only when the expiry actually
// applied that transition — it lets a caller (the Scheduler) release
// resources it holds for the task, such as a hung worker's cancel func,
// instead of holding a concurrency slot until some unrelated budget
// eventually gives up on it.
func (s *Store) SetTimeout(id string, d time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tm, ok := s.timeouts[id]; ok {
		tm.timer.Stop()
	}
	timer := time.AfterFunc(d, func() {
		if _, err := s.Transition(id, StatusFailed, TransitionExtra{Error: "timeout"}); err == nil && onTimeout != nil {
			onTimeout()
		}
	})
	s.timeouts[id] = &timeoutTimer{timer: timer}
}

// Cancel transitions id to cancelled if pending or running; idempotent
// (returns false, nil) if already terminal. It only updates status — a
// task currently held by a Scheduler worker keeps running until that
// worker notices on its own; callers with a Scheduler should use
// Scheduler.Cancel instead so the worker is stopped in the same call.
func (s *Store) Cancel(id string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, apperr.New(apperr.TaskNotFound, "task not found")
	}
	if TerminalStatus(t.Status) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	if _, err := s.Transition(id, StatusCancelled, TransitionExtra{}); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a terminal task. Non-terminal tasks return TaskDeleteFailed.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apperr.New(apperr.TaskNotFound, "task not found")
	}
	if !TerminalStatus(t.Status) {
		return apperr.New(apperr.TaskDeleteFailed, "task is not terminal")
	}
	delete(s.tasks, id)
	if tm, ok := s.timeouts[id]; ok {
		tm.timer.Stop()
		delete(s.timeouts, id)
	}
	return nil
}
