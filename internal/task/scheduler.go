package task

import (
	"context"
	"sync"
	"time"

	"server/internal/apperr"
	"server/internal/eventing"
	"server/internal/infra"
)

// Runner executes one task's controller operation. Worker (worker.go) is
// the production implementation; tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, t *Task, onProgress func(pct int), cancel <-chan struct{}) ([]string, error)
}

// Scheduler is the single scheduling fiber described in §4.7: a fixed
// tick admits pending tasks under a concurrency cap, in priority order,
// and spawns a worker per admitted task. It never blocks a tick waiting
// for work to finish.
type Scheduler struct {
	store         *Store
	runner        Runner
	logger        infra.Logger
	maxConcurrent int
	tick          time.Duration
	imageTimeout  time.Duration
	videoTimeout  time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc

	publisher eventing.Publisher

	stop chan struct{}
	done chan struct{}
}

// SetPublisher attaches an event publisher; every terminal transition is
// published best-effort after it commits. Call before Start.
func (s *Scheduler) SetPublisher(p eventing.Publisher) { s.publisher = p }

// NewScheduler builds a Scheduler bound to store and runner. imageTimeout
// and videoTimeout arm the per-task deadline admit sets on the Store;
// zero falls back to task.go's defaults.
func NewScheduler(store *Store, runner Runner, maxConcurrent int, tick, imageTimeout, videoTimeout time.Duration, logger infra.Logger) *Scheduler {
	return &Scheduler{
		store:         store,
		runner:        runner,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		tick:          tick,
		imageTimeout:  imageTimeout,
		videoTimeout:  videoTimeout,
		running:       make(map[string]context.CancelFunc),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// timeoutFor returns the configured per-task-type timeout.
func (s *Scheduler) timeoutFor(t Type) time.Duration {
	if t == TypeVideoGeneration {
		if s.videoTimeout > 0 {
			return s.videoTimeout
		}
		return defaultVideoTaskTimeout
	}
	if s.imageTimeout > 0 {
		return s.imageTimeout
	}
	return defaultImageTaskTimeout
}

// Start runs the scheduler loop until Stop is called. Call it from a
// goroutine; the caller owns its lifecycle and NewScheduler does not
// start it implicitly.
func (s *Scheduler) Start() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runTick()
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) runTick() {
	freeSlots := s.maxConcurrent - s.runningCount()
	if freeSlots <= 0 {
		return
	}

	pending := s.store.Pending()
	admitted := 0
	for _, t := range pending {
		if admitted >= freeSlots {
			break
		}
		s.mu.Lock()
		_, already := s.running[t.ID]
		s.mu.Unlock()
		if already {
			continue
		}
		s.admit(t)
		admitted++
	}
}

func (s *Scheduler) admit(t *Task) {
	updated, err := s.store.Transition(t.ID, StatusRunning, TransitionExtra{})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[t.ID] = cancel
	s.mu.Unlock()

	// Armed after running[t.ID] so the timeout callback can never fire
	// before there is a cancel func for it to find.
	s.store.SetTimeout(t.ID, s.timeoutFor(t.Type), func() { s.cancelRunning(t.ID) })

	go s.runWorker(ctx, updated)
}

// Cancel transitions id to cancelled and, if a worker currently holds it,
// cancels that worker's context in the same call so the Smart Poller
// observes cancellation at its next poll boundary instead of running
// until its timeout or poll budget eventually expires. Idempotent on an
// already-terminal task, matching Store.Cancel.
func (s *Scheduler) Cancel(id string) (bool, error) {
	changed, err := s.store.Cancel(id)
	if err != nil || !changed {
		return changed, err
	}
	s.cancelRunning(id)
	return true, nil
}

// cancelRunning cancels id's worker context and frees its concurrency
// slot immediately, without waiting for the worker goroutine to notice
// the cancellation and unwind on its own. The Store's timeout callback
// and Cancel both call this so neither a hung nor a client-cancelled
// worker can hold a slot past the moment its task leaves the running set.
func (s *Scheduler) cancelRunning(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) runWorker(ctx context.Context, t *Task) {
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
	}()

	cancelCh := ctx.Done()
	onProgress := func(pct int) { s.store.UpdateProgress(t.ID, pct) }

	result, err := s.runner.Run(ctx, t, onProgress, cancelCh)
	if err != nil {
		if kind, ok := apperr.As(err); ok && kind == apperr.Cancelled {
			updated, terr := s.store.Transition(t.ID, StatusCancelled, TransitionExtra{})
			if terr == nil {
				s.publish(updated)
			}
			return
		}
		updated, terr := s.store.Transition(t.ID, StatusFailed, TransitionExtra{Error: err.Error()})
		if terr == nil {
			s.publish(updated)
		}
		return
	}
	updated, terr := s.store.Transition(t.ID, StatusCompleted, TransitionExtra{Result: result})
	if terr == nil {
		s.publish(updated)
	}
}

// publish emits a terminal transition event; failures are logged, not
// propagated, since a broker outage must never block task completion.
func (s *Scheduler) publish(t *Task) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	evt := eventing.TaskEvent{TaskID: t.ID, Type: string(t.Type), Status: string(t.Status), Error: t.Error}
	if t.CompletedAt != nil {
		evt.CompletedAt = *t.CompletedAt
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID).Msg("task event publish failed")
	}
}
