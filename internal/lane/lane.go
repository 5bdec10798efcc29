// Package lane schedules agent tasks across priority-ordered execution
// lanes. Each lane bounds its own concurrency; within a lane the highest
// priority ready task runs first. A task whose dependencies are incomplete
// is skipped without blocking the rest of the lane, and one whose
// dependency failed or was cancelled fails with a dependency error.
package lane

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/metrics"
)

// LaneConfig describes one execution lane.
type LaneConfig struct {
	Kind          string
	MaxConcurrent int
	Priority      int
}

// Config holds the lane definitions and scheduler tuning.
type Config struct {
	Lanes []LaneConfig
	// Tick bounds how long a ready task waits for the scheduler when no
	// state change kicks it earlier.
	Tick time.Duration
}

// DefaultConfig returns the standard three-lane layout.
func DefaultConfig() Config {
	return Config{
		Lanes: []LaneConfig{
			{Kind: "planner", MaxConcurrent: 1, Priority: 10},
			{Kind: "main", MaxConcurrent: 2, Priority: 5},
			{Kind: "parallel", MaxConcurrent: 4, Priority: 1},
		},
		Tick: 50 * time.Millisecond,
	}
}

// LaneStats describes the live state of one lane.
type LaneStats struct {
	Kind          string `json:"kind"`
	Priority      int    `json:"priority"`
	MaxConcurrent int    `json:"max_concurrent"`
	Queued        int    `json:"queued"`
	Running       int    `json:"running"`
}

// Stats aggregates queue counters and timing averages.
type Stats struct {
	Lanes       []LaneStats   `json:"lanes"`
	Submitted   int64         `json:"submitted"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Cancelled   int64         `json:"cancelled"`
	Retried     int64         `json:"retried"`
	AvgWaitTime time.Duration `json:"avg_wait_time"`
	AvgExecTime time.Duration `json:"avg_exec_time"`
}

// Queue dispatches submitted tasks onto their lanes.
type Queue struct {
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	lanes      []*lane // descending lane priority
	laneByKind map[string]*lane
	tasks      map[string]*task
	seq        uint64

	submitted int64
	completed int64
	failed    int64
	cancelled int64
	retried   int64
	totalWait time.Duration
	started   int64
	totalExec time.Duration
	finished  int64

	runMu      sync.Mutex
	running    bool
	stopCh     chan struct{}
	kick       chan struct{}
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc

	now func() time.Time
}

// New creates a lane queue. Metrics may be nil.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Queue, error) {
	if len(cfg.Lanes) == 0 {
		return nil, errs.E(errs.KindValidation, "lane.new", "at least one lane is required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}

	q := &Queue{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "lane_queue")),
		metrics:    m,
		laneByKind: make(map[string]*lane),
		tasks:      make(map[string]*task),
		kick:       make(chan struct{}, 1),
		now:        time.Now,
	}
	for _, lc := range cfg.Lanes {
		if lc.Kind == "" {
			return nil, errs.E(errs.KindValidation, "lane.new", "lane kind is required")
		}
		if _, dup := q.laneByKind[lc.Kind]; dup {
			return nil, errs.E(errs.KindValidation, "lane.new", "lane %q is defined twice", lc.Kind)
		}
		if lc.MaxConcurrent <= 0 {
			return nil, errs.E(errs.KindValidation, "lane.new", "lane %q needs a positive maxConcurrent", lc.Kind)
		}
		ln := newLane(lc)
		q.lanes = append(q.lanes, ln)
		q.laneByKind[lc.Kind] = ln
	}
	sort.SliceStable(q.lanes, func(i, j int) bool {
		return q.lanes[i].cfg.Priority > q.lanes[j].cfg.Priority
	})
	return q, nil
}

// Start launches the scheduler loop.
func (q *Queue) Start() error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return errs.E(errs.KindPrecondition, "lane.start", "lane queue is already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.baseCtx, q.baseCancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.run()

	kinds := make([]string, len(q.lanes))
	for i, ln := range q.lanes {
		kinds[i] = ln.cfg.Kind
	}
	q.logger.Info("lane queue started",
		zap.Strings("lanes", kinds),
		zap.Duration("tick", q.cfg.Tick))
	return nil
}

// Stop cancels running tasks and waits for the scheduler and all executors
// to return.
func (q *Queue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	close(q.stopCh)
	q.baseCancel()
	q.wg.Wait()
	q.logger.Info("lane queue stopped")
}

// Submit enqueues a task. A missing ID is assigned; a duplicate ID is a
// conflict. The returned snapshot reflects the queued state.
func (q *Queue) Submit(sub Submission) (*Task, error) {
	if sub.Execute == nil {
		return nil, errs.E(errs.KindValidation, "lane.submit", "task executor is required")
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	for _, dep := range sub.Dependencies {
		if dep == sub.ID {
			return nil, errs.E(errs.KindValidation, "lane.submit", "task %s depends on itself", sub.ID)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ln, ok := q.laneByKind[sub.Lane]
	if !ok {
		return nil, errs.E(errs.KindValidation, "lane.submit", "unknown lane %q", sub.Lane)
	}
	if _, dup := q.tasks[sub.ID]; dup {
		return nil, errs.E(errs.KindConflict, "lane.submit", "task %s is already queued", sub.ID)
	}

	now := q.now()
	q.seq++
	t := &task{
		Task: Task{
			ID:           sub.ID,
			Lane:         sub.Lane,
			Priority:     sub.Priority,
			Dependencies: append([]string(nil), sub.Dependencies...),
			ParentID:     sub.ParentID,
			Payload:      sub.Payload,
			State:        StateQueued,
			MaxRetries:   sub.MaxRetries,
			CreatedAt:    now,
			QueuedAt:     now,
		},
		execute: sub.Execute,
		done:    make(chan struct{}),
		seq:     q.seq,
		index:   -1,
	}
	q.tasks[t.ID] = t
	ln.push(t)
	q.submitted++
	if q.metrics != nil {
		q.metrics.TasksEnqueued.WithLabelValues(sub.Lane).Inc()
	}

	q.logger.Debug("task queued",
		zap.String("task_id", t.ID),
		zap.String("lane", t.Lane),
		zap.Int("priority", t.Priority),
		zap.Int("dependencies", len(t.Dependencies)))
	q.kickNow()
	return t.snapshot(), nil
}

// Get returns a snapshot of the task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "lane.get", "task %s does not exist", taskID)
	}
	return t.snapshot(), nil
}

// List returns snapshots of all tasks, optionally filtered to one lane,
// ordered by submission.
func (q *Queue) List(laneKind string) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if laneKind != "" && t.Lane != laneKind {
			continue
		}
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return q.tasks[out[i].ID].seq < q.tasks[out[j].ID].seq
	})
	return out
}

// Cancel flips a queued or running task to cancelled. Running tasks are
// signalled through their context and stay on the lane's running set until
// the executor returns. Cancelling an already cancelled task is a no-op;
// cancelling a completed or failed task is a precondition error.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return errs.E(errs.KindNotFound, "lane.cancel", "task %s does not exist", taskID)
	}
	switch t.State {
	case StateCancelled:
		return nil
	case StateCompleted, StateFailed:
		return errs.E(errs.KindPrecondition, "lane.cancel", "task %s already %s", taskID, t.State)
	case StateRunning:
		if t.cancel != nil {
			t.cancel()
		}
	default:
		q.laneByKind[t.Lane].remove(t)
	}
	q.finishLocked(t, StateCancelled, nil, nil)
	q.kickNow()
	return nil
}

// WaitFor blocks until the task reaches a terminal state, the context is
// done, or the timeout elapses. A timeout of zero waits indefinitely.
func (q *Queue) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	q.mu.Unlock()
	if !ok {
		return nil, errs.E(errs.KindNotFound, "lane.waitFor", "task %s does not exist", taskID)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-t.done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return t.snapshot(), nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindPrecondition, "lane.waitFor", ctx.Err())
	case <-timeoutCh:
		return nil, errs.E(errs.KindTimeout, "lane.waitFor",
			"task %s did not finish within %s", taskID, timeout)
	}
}

// Stats returns queue counters and per-lane occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Submitted: q.submitted,
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
		Retried:   q.retried,
	}
	if q.started > 0 {
		s.AvgWaitTime = q.totalWait / time.Duration(q.started)
	}
	if q.finished > 0 {
		s.AvgExecTime = q.totalExec / time.Duration(q.finished)
	}
	for _, ln := range q.lanes {
		s.Lanes = append(s.Lanes, LaneStats{
			Kind:          ln.cfg.Kind,
			Priority:      ln.cfg.Priority,
			MaxConcurrent: ln.cfg.MaxConcurrent,
			Queued:        ln.heap.Len(),
			Running:       len(ln.running),
		})
	}
	return s
}

func (q *Queue) kickNow() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.kick:
		case <-ticker.C:
		}
		// Keep scheduling until a full pass starts nothing, so a task
		// finished mid-pass frees capacity in the same round.
		for q.pass() {
		}
	}
}

// pass walks the lanes in descending priority, fails tasks whose
// dependencies can never complete, and starts every ready task the lane
// has capacity for. It reports whether any task changed state.
func (q *Queue) pass() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	progress := false
	for _, ln := range q.lanes {
		for {
			ready, poisoned, reasons := q.scanLocked(ln)
			for i, t := range poisoned {
				ln.remove(t)
				q.finishLocked(t, StateFailed, nil, reasons[i])
				progress = true
			}
			if ready == nil || !ln.hasCapacity() {
				break
			}
			ln.remove(ready)
			q.startLocked(ln, ready)
			progress = true
		}
	}
	return progress
}

// scanLocked finds the best ready task in the lane along with every task
// whose dependency already failed or was cancelled. A dependency-blocked
// task is skipped so it cannot starve ready lower-priority work.
func (q *Queue) scanLocked(ln *lane) (ready *task, poisoned []*task, reasons []error) {
	for _, t := range ln.heap {
		ok, err := q.dependencyState(t)
		if err != nil {
			poisoned = append(poisoned, t)
			reasons = append(reasons, err)
			continue
		}
		if !ok {
			continue
		}
		if ready == nil || before(t, ready) {
			ready = t
		}
	}
	return ready, poisoned, reasons
}

// dependencyState reports whether every dependency has completed. A
// dependency that failed or was cancelled poisons the task; one not yet
// submitted keeps it gated.
func (q *Queue) dependencyState(t *task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, ok := q.tasks[depID]
		if !ok {
			return false, nil
		}
		switch dep.State {
		case StateCompleted:
		case StateFailed, StateCancelled:
			return false, errs.E(errs.KindPrecondition, "lane.schedule",
				"dependency %s %s", depID, dep.State)
		default:
			return false, nil
		}
	}
	return true, nil
}

func (q *Queue) startLocked(ln *lane, t *task) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	t.cancel = cancel
	t.State = StateRunning
	t.StartedAt = q.now()
	ln.running[t.ID] = t

	wait := t.StartedAt.Sub(t.QueuedAt)
	q.totalWait += wait
	q.started++
	if q.metrics != nil {
		q.metrics.TasksRunning.WithLabelValues(ln.cfg.Kind).Inc()
		q.metrics.TaskWait.WithLabelValues(ln.cfg.Kind).Observe(wait.Seconds())
	}

	q.logger.Debug("task started",
		zap.String("task_id", t.ID),
		zap.String("lane", t.Lane),
		zap.Duration("waited", wait))

	q.wg.Add(1)
	go q.runTask(ctx, ln, t)
}

func (q *Queue) runTask(ctx context.Context, ln *lane, t *task) {
	defer q.wg.Done()
	result, err := q.invoke(ctx, t)

	q.mu.Lock()
	delete(ln.running, t.ID)
	if q.metrics != nil {
		q.metrics.TasksRunning.WithLabelValues(ln.cfg.Kind).Dec()
	}
	if t.State.Terminal() {
		// Cancelled while running; the terminal transition already
		// happened.
		q.mu.Unlock()
		q.kickNow()
		return
	}
	switch {
	case err == nil:
		q.finishLocked(t, StateCompleted, result, nil)
	case ctx.Err() == nil && t.RetryCount < t.MaxRetries:
		t.RetryCount++
		t.State = StateQueued
		t.QueuedAt = q.now()
		t.StartedAt = time.Time{}
		t.cancel = nil
		ln.push(t)
		q.retried++
		if q.metrics != nil {
			q.metrics.TasksRetried.WithLabelValues(ln.cfg.Kind).Inc()
		}
		q.logger.Warn("task requeued after failure",
			zap.String("task_id", t.ID),
			zap.Int("retry", t.RetryCount),
			zap.Int("max_retries", t.MaxRetries),
			zap.Error(err))
	default:
		q.finishLocked(t, StateFailed, nil, err)
	}
	q.mu.Unlock()
	q.kickNow()
}

func (q *Queue) invoke(ctx context.Context, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.KindInternal, "lane.execute", "task executor panicked: %v", r)
		}
	}()
	return t.execute(ctx, t.snapshot())
}

// finishLocked records the single terminal transition for a task. Callers
// hold q.mu and guarantee the task is not yet terminal.
func (q *Queue) finishLocked(t *task, state State, result any, err error) {
	t.State = state
	t.CompletedAt = q.now()
	t.Result = result
	if err != nil {
		t.Error = err.Error()
	}

	switch state {
	case StateCompleted:
		q.completed++
		if !t.StartedAt.IsZero() {
			exec := t.CompletedAt.Sub(t.StartedAt)
			q.totalExec += exec
			if q.metrics != nil {
				q.metrics.TaskExec.WithLabelValues(t.Lane).Observe(exec.Seconds())
			}
			q.finished++
		}
		if q.metrics != nil {
			q.metrics.TasksCompleted.WithLabelValues(t.Lane).Inc()
		}
		q.logger.Debug("task completed", zap.String("task_id", t.ID), zap.String("lane", t.Lane))
	case StateFailed:
		q.failed++
		if q.metrics != nil {
			q.metrics.TasksFailed.WithLabelValues(t.Lane).Inc()
		}
		q.logger.Warn("task failed",
			zap.String("task_id", t.ID),
			zap.String("lane", t.Lane),
			zap.String("error", t.Error))
	case StateCancelled:
		q.cancelled++
		if q.metrics != nil {
			q.metrics.TasksCancelled.WithLabelValues(t.Lane).Inc()
		}
		q.logger.Debug("task cancelled", zap.String("task_id", t.ID), zap.String("lane", t.Lane))
	}
	close(t.done)
}
