package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/ranya-core/internal/observability"
	"github.com/harun/ranya-core/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueClosed is returned for tasks enqueued after Close.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneReset is returned to tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
)

// Task is a unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still waiting after this long.
	WarnAfter time.Duration
	// OnStart is called on the lane goroutine right before the task runs.
	OnStart func()
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
}

// CommandQueue runs tasks on named lanes. Tasks on one lane run in FIFO
// order up to the lane's concurrency (1 unless changed); lanes are
// independent of each other.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue runs task on lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext runs task on lane and waits for its result. If ctx is
// done while the task is still waiting, the task is dropped and ctx's error
// returned. Once started, the task observes ctx itself.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "ranya.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(record, lane, ls)
	}

	cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err

	case <-ctx.Done():
		if cq.remove(ls, record) {
			logger.Debug().Str("task_id", taskID).Msg("Queued task cancelled")
			observability.SetQueueSize(lane, cq.GetQueueSize(lane))
			return nil, ctx.Err()
		}
		// Already running; the task sees ctx and returns on its own.
		result := <-record.result
		return result.value, result.err
	}
}

func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.lanes[lane]
}

// remove drops a still-queued record. It reports false when the record has
// already left the queue.
func (cq *CommandQueue) remove(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "ranya.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger.Debug().
		Str("task_id", record.id).
		Dur("waited", time.Since(record.enqueuedAt)).
		Msg("Task started")

	if record.options.OnStart != nil {
		record.options.OnStart()
	}

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// run shields the lane from a panicking task.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	pos := -1
	for i, r := range ls.queue {
		if r == record {
			pos = i
			break
		}
	}
	ls.mu.Unlock()

	if pos >= 0 {
		log.Warn().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("waited", time.Since(record.enqueuedAt)).
			Int("queue_pos", pos).
			Msg("Task waiting longer than expected")
	}
}

// GetQueueSize returns the number of waiting tasks on a lane.
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of running tasks on a lane.
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ResetLane drops every waiting task on a lane. Running tasks are unaffected.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	ls.generation++
	dropped := ls.queue
	ls.queue = nil
	generation := ls.generation
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: ErrLaneReset}
	}

	log.Info().Str("lane", lane).Int("generation", generation).Int("dropped", len(dropped)).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// SetConcurrency changes how many tasks of a lane may run at once.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	cq.mu.Unlock()

	ls.mu.Lock()
	ls.concurrency = concurrency
	ls.mu.Unlock()

	cq.processLane(lane, ls)
}

// Close cancels running tasks, rejects new ones and waits for running tasks
// to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	lanes := make(map[string]*laneState, len(cq.lanes))
	for name, ls := range cq.lanes {
		lanes[name] = ls
	}
	cq.mu.Unlock()

	for name := range lanes {
		cq.ResetLane(name)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
