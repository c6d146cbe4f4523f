package task

import (
	"testing"
	"time"

	"server/internal/apperr"
)

func TestStoreCreateStartsPending(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	tsk := s.Create(TypeImageGeneration, Params{Prompt: "a cat"}, 0, "")
	if tsk.Status != StatusPending {
		t.Fatalf("expected new task to start pending, got %q", tsk.Status)
	}
	got, err := s.Get(tsk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != tsk.ID {
		t.Fatalf("expected matching id, got %q", got.ID)
	}
}

func TestStoreGetUnknownReturnsTaskNotFound(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	_, err := s.Get("does-not-exist")
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.TaskNotFound {
		t.Fatalf("expected TaskNotFound, got %v (ok=%v)", kind, ok)
	}
}

func TestStoreTransitionEnforcesTable(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	tsk := s.Create(TypeImageGeneration, Params{}, 0, "")

	if _, err := s.Transition(tsk.ID, StatusCompleted, TransitionExtra{}); err == nil {
		t.Fatal("expected pending -> completed to be rejected")
	}

	running, err := s.Transition(tsk.ID, StatusRunning, TransitionExtra{})
	if err != nil {
		t.Fatalf("pending -> running should succeed: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected StartedAt to be set on entering running")
	}

	done, err := s.Transition(tsk.ID, StatusCompleted, TransitionExtra{Result: []string{"uri-1"}})
	if err != nil {
		t.Fatalf("running -> completed should succeed: %v", err)
	}
	if done.Progress != 100 {
		t.Fatalf("expected progress to be forced to 100 on completion, got %d", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set on completion")
	}

	if _, err := s.Transition(tsk.ID, StatusRunning, TransitionExtra{}); err == nil {
		t.Fatal("expected any transition out of a terminal state to be rejected")
	}
}

func TestStorePendingOrdersByPriorityThenCreation(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	low := s.Create(TypeImageGeneration, Params{}, 0, "")
	high := s.Create(TypeImageGeneration, Params{}, 10, "")
	mid := s.Create(TypeImageGeneration, Params{}, 5, "")
	low2 := s.Create(TypeImageGeneration, Params{}, 0, "")

	pending := s.Pending()
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != high.ID || pending[1].ID != mid.ID || pending[2].ID != low.ID || pending[3].ID != low2.ID {
		t.Fatalf("expected priority-descending, then creation order, got %v", []string{pending[0].ID, pending[1].ID, pending[2].ID, pending[3].ID})
	}
}

func TestStoreUpdateProgressIsMonotonic(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	tsk := s.Create(TypeImageGeneration, Params{}, 0, "")
	if _, err := s.Transition(tsk.ID, StatusRunning, TransitionExtra{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	s.UpdateProgress(tsk.ID, 50)
	s.UpdateProgress(tsk.ID, 30) // must not regress
	got, _ := s.Get(tsk.ID)
	if got.Progress != 50 {
		t.Fatalf("expected progress to stay at 50 after a lower update, got %d", got.Progress)
	}

	s.UpdateProgress(tsk.ID, 80)
	got, _ = s.Get(tsk.ID)
	if got.Progress != 80 {
		t.Fatalf("expected progress to advance to 80, got %d", got.Progress)
	}
}

func TestStoreCancelIsIdempotentOnTerminalTasks(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	tsk := s.Create(TypeImageGeneration, Params{}, 0, "")
	if _, err := s.Transition(tsk.ID, StatusRunning, TransitionExtra{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Transition(tsk.ID, StatusCompleted, TransitionExtra{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	cancelled, err := s.Cancel(tsk.ID)
	if err != nil {
		t.Fatalf("Cancel on a terminal task should not error: %v", err)
	}
	if cancelled {
		t.Fatal("expected Cancel on an already-terminal task to report false")
	}
}

func TestStoreListFiltersByOwnerAndStatus(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	a1 := s.Create(TypeImageGeneration, Params{}, 0, "owner-a")
	s.Create(TypeImageGeneration, Params{}, 0, "owner-a")
	s.Create(TypeImageGeneration, Params{}, 0, "owner-b")

	byOwner := s.List("owner-a", "", 0)
	if len(byOwner) != 2 {
		t.Fatalf("expected 2 tasks for owner-a, got %d", len(byOwner))
	}

	if _, err := s.Transition(a1.ID, StatusRunning, TransitionExtra{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	running := s.List("owner-a", StatusRunning, 0)
	if len(running) != 1 || running[0].ID != a1.ID {
		t.Fatalf("expected exactly the running task for owner-a, got %+v", running)
	}

	all := s.List("", "", 0)
	if len(all) != 3 {
		t.Fatalf("expected no owner filter to return all 3 tasks, got %d", len(all))
	}
}

func TestStoreDeleteRejectsNonTerminal(t *testing.T) {
	s := NewStore(time.Hour)
	defer s.Close()

	tsk := s.Create(TypeImageGeneration, Params{}, 0, "")
	err := s.Delete(tsk.ID)
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.TaskDeleteFailed {
		t.Fatalf("expected TaskDeleteFailed for a pending task, got %v (ok=%v)", kind, ok)
	}
}
