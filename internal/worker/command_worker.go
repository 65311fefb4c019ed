package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/metrics"
	"bookpay/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultQueueKey      = "bookpay:tasks"
	defaultDeadLetterKey = "bookpay:tasks:deadletter"
)

// Options tunes a CommandWorker. Zero values fall back to defaults.
type Options struct {
	Retry        RetryPolicy
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter is how long a claimed task may stay in processing before it
	// is handed out again.
	StaleAfter time.Duration
	// Retryable classifies handler errors; nil retries everything.
	Retryable func(error) bool
}

// CommandWorker executes queued tasks. Task rows are the source of truth;
// redis and the in-memory channel only carry ids to skip a polling round.
type CommandWorker struct {
	db            *database.DB
	handler       domain.TaskHandler
	redis         *redis.Client
	opts          Options
	queue         chan int64
	redisQueueKey string
	deadLetterKey string
	logger        *zerolog.Logger
}

func NewCommandWorker(db *database.DB, handler domain.TaskHandler, redisClient *redis.Client, opts Options, logger *zerolog.Logger) *CommandWorker {
	if opts.Retry.MaxRetries == 0 {
		opts.Retry.MaxRetries = 8
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = 5 * time.Minute
	}
	if opts.Retry.BackoffFactor == 0 {
		opts.Retry.BackoffFactor = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = models.DefaultWorkerBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.Retryable == nil {
		opts.Retryable = func(error) bool { return true }
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &CommandWorker{
		db:            db,
		handler:       handler,
		redis:         redisClient,
		opts:          opts,
		queue:         make(chan int64, models.WorkerQueueSize),
		redisQueueKey: defaultQueueKey,
		deadLetterKey: defaultDeadLetterKey,
		logger:        logger,
	}
}

// Notify schedules committed tasks for immediate pickup. Ids that do not
// fit anywhere are still found by polling.
func (w *CommandWorker) Notify(ctx context.Context, taskIDs ...int64) {
	for _, id := range taskIDs {
		if w.redis != nil {
			err := w.redis.LPush(ctx, w.redisQueueKey, strconv.FormatInt(id, 10)).Err()
			if err == nil {
				continue
			}
			w.logger.Warn().Err(err).Int64("task_id", id).Msg("Redis push failed, falling back to memory queue")
		}

		select {
		case w.queue <- id:
		default:
			w.logger.Warn().Int64("task_id", id).Msg("Memory queue full, task left to polling")
		}
	}
}

// Start runs the loop until ctx is done.
func (w *CommandWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Command worker started")
	defer w.logger.Info().Msg("Command worker stopped")

	w.releaseStale(ctx)
	lastRelease := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastRelease) >= w.opts.StaleAfter {
			w.releaseStale(ctx)
			lastRelease = time.Now()
		}

		if id, ok := w.tryLocalQueue(); ok {
			w.runByID(ctx, id)
			continue
		}

		if id, ok := w.tryRedis(ctx); ok {
			w.runByID(ctx, id)
			continue
		}

		if n := w.poll(ctx); n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// poll runs every due task once and reports how many it saw.
func (w *CommandWorker) poll(ctx context.Context) int {
	tasks, err := w.db.GetPendingTasks(ctx, w.opts.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to fetch pending tasks")
		return 0
	}
	for _, task := range tasks {
		w.run(ctx, task)
	}
	return len(tasks)
}

func (w *CommandWorker) releaseStale(ctx context.Context) {
	n, err := w.db.ReleaseStaleTasks(ctx, time.Now().Add(-w.opts.StaleAfter))
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to release stale tasks")
		return
	}
	if n > 0 {
		w.logger.Warn().Int64("tasks", n).Msg("Released stale tasks")
	}
}

func (w *CommandWorker) tryLocalQueue() (int64, bool) {
	select {
	case id := <-w.queue:
		return id, true
	default:
		return 0, false
	}
}

func (w *CommandWorker) tryRedis(ctx context.Context) (int64, bool) {
	if w.redis == nil {
		return 0, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error().Err(err).Msg("Redis BRPOP failed")
		}
		return 0, false
	}
	if len(res) != 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		w.logger.Error().Err(err).Str("value", res[1]).Msg("Malformed task id in redis queue")
		return 0, false
	}
	return id, true
}

func (w *CommandWorker) runByID(ctx context.Context, id int64) {
	task, err := w.db.GetTask(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", id).Msg("Failed to load task")
		return
	}
	if task.NextRetryAt != nil && task.NextRetryAt.After(time.Now()) {
		return
	}
	w.run(ctx, task)
}

// run claims and executes one task. Losing the claim means another worker
// or the poller already has it.
func (w *CommandWorker) run(ctx context.Context, task *models.Task) {
	if err := w.db.ClaimTask(ctx, task.ID); err != nil {
		if !errors.Is(err, database.ErrTaskNotClaimable) {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to claim task")
		}
		return
	}

	log := w.logger.With().Int64("task_id", task.ID).Str("task_type", task.TaskType).Logger()
	if err := w.handler.HandleTask(ctx, task); err != nil {
		w.retryOrFail(ctx, task, err, &log)
		return
	}

	if err := w.db.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		log.Error().Err(err).Msg("Failed to mark task completed")
	}
	metrics.IncTask(task.TaskType, "completed")
	log.Debug().Msg("Task completed")
}

func (w *CommandWorker) retryOrFail(ctx context.Context, task *models.Task, cause error, log *zerolog.Logger) {
	attempt := task.RetryCount + 1
	if !w.opts.Retryable(cause) || w.opts.Retry.Exhausted(attempt) {
		if err := w.db.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
			log.Error().Err(err).Msg("Failed to mark task failed")
		}
		w.pushDeadLetter(ctx, task)
		metrics.IncTask(task.TaskType, "failed")
		log.Error().Err(cause).Int("attempt", attempt).Msg("Task failed permanently")
		return
	}

	next := time.Now().Add(w.opts.Retry.NextDelay(attempt))
	if err := w.db.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &next); err != nil {
		log.Error().Err(err).Msg("Failed to schedule task retry")
	}
	metrics.IncTask(task.TaskType, "retry")
	log.Warn().Err(cause).Int("attempt", attempt).Time("next_retry_at", next).Msg("Task will be retried")
}

func (w *CommandWorker) pushDeadLetter(ctx context.Context, task *models.Task) {
	if w.redis == nil {
		return
	}
	entry := fmt.Sprintf("%d:%s", task.ID, task.TaskType)
	if err := w.redis.LPush(ctx, w.deadLetterKey, entry).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Dead letter push failed")
	}
}

// RetryFailed requeues every failed task and returns how many were requeued.
func (w *CommandWorker) RetryFailed(ctx context.Context) (int, error) {
	tasks, err := w.db.GetFailedTasks(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		if err := w.db.RequeueTask(ctx, task.ID); err != nil {
			if errors.Is(err, database.ErrStaleState) {
				continue
			}
			return len(ids), err
		}
		ids = append(ids, task.ID)
	}
	w.Notify(ctx, ids...)
	return len(ids), nil
}
