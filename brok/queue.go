package brok

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// JobState is the lifecycle state of a ChatJob.
type JobState string

const (
	// JobStateQueued - waiting for a worker (possibly waiting out a backoff)
	JobStateQueued JobState = "queued"

	// JobStateInProgress - handed to a worker
	JobStateInProgress JobState = "in_progress"

	// JobStateCompleted - reply sent
	JobStateCompleted JobState = "completed"

	// JobStateBlocked - rejected by the security filter; no reply generated
	JobStateBlocked JobState = "blocked"

	// JobStateFailed - all attempts exhausted
	JobStateFailed JobState = "failed"
)

func (s JobState) String() string {
	return string(s)
}

// ChatJob is one unit of asynchronous work: produce and send one reply.
// Jobs are persisted so a crashed process resumes them on restart;
// delivery is at-least-once.
type ChatJob struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID    string `json:"user_id" gorm:"index;type:string"`
	Username  string `json:"username" gorm:"type:string"`
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// MessageID is the triggering Discord message; the reply references it
	MessageID string `json:"message_id" gorm:"type:string"`

	// MessageContent is the (possibly coalesced) raw text
	MessageContent string `json:"message_content" gorm:"type:string"`

	// BotMention is the mention token to strip from each fragment
	BotMention string `json:"bot_mention" gorm:"type:string"`

	// FeedbackMessageIDs holds record-separator joined IDs of transient
	// placeholder messages to delete before replying
	FeedbackMessageIDs string `json:"feedback_message_ids" gorm:"type:string"`

	// GuildID is empty for DMs
	GuildID string `json:"guild_id" gorm:"type:string"`

	State JobState `json:"state" gorm:"index;type:string"`

	// Attempts counts dispatches, including the one in progress
	Attempts int `json:"attempts"`

	// NextAttemptAt gates dispatch, Unix millis
	NextAttemptAt int64 `json:"next_attempt_at" gorm:"index"`

	LastError string `json:"last_error" gorm:"type:string"`

	ModelUnixTime
}

// FeedbackIDs returns the placeholder message IDs to delete.
func (j *ChatJob) FeedbackIDs() []string {
	return splitRecords(j.FeedbackMessageIDs)
}

// SetFeedbackIDs stores the placeholder message IDs.
func (j *ChatJob) SetFeedbackIDs(ids []string) {
	j.FeedbackMessageIDs = joinRecords(ids)
}

func (j *ChatJob) LogValue() slog.Value {
	if j == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(j.ID)),
		slog.String("user_id", j.UserID),
		slog.String("channel_id", j.ChannelID),
		slog.String("state", j.State.String()),
		slog.Int("attempts", j.Attempts),
	)
}

// JobProcessor executes one job end to end. A returned error counts
// against the job's retry budget; housekeeping noise must be handled (and
// logged) inside the processor instead of returned.
type JobProcessor func(ctx context.Context, job *ChatJob) error

// FailureHook runs once when a job has exhausted all attempts. It must not
// fail further: secondary errors are swallowed and logged by the queue.
type FailureHook func(ctx context.Context, job *ChatJob, jobErr error)

// JobQueue is a database-backed work queue with a bounded worker pool and
// exponential-backoff retries. A single dispatcher goroutine leases due
// jobs (marking them in progress before handing them to a worker), so jobs
// are consumed exactly once per process; cross-process duplication is
// possible only after a crash, which at-least-once semantics accept.
type JobQueue struct {
	db          DBI
	config      QueueConfig
	workers     int
	process     JobProcessor
	onExhausted FailureHook
	logger      *slog.Logger

	// wake lets Enqueue cut the dispatcher's empty-queue sleep short
	wake chan struct{}
}

// NewJobQueue creates a queue dispatching to the given processor with a
// pool of the given size.
func NewJobQueue(
	db DBI,
	config QueueConfig,
	workers int,
	process JobProcessor,
	onExhausted FailureHook,
	log *slog.Logger,
) *JobQueue {
	if log == nil {
		log = slog.Default()
	}
	return &JobQueue{
		db:          db,
		config:      config,
		workers:     workers,
		process:     process,
		onExhausted: onExhausted,
		logger:      log.With(loggerNameKey, "queue"),
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue persists the job in the queued state. Fire-and-forget from the
// caller's perspective: the dispatcher picks it up asynchronously.
func (q *JobQueue) Enqueue(ctx context.Context, job *ChatJob) error {
	job.State = JobStateQueued
	job.Attempts = 0
	job.NextAttemptAt = time.Now().UnixMilli()
	if err := q.db.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.logger.InfoContext(ctx, "queued job", "job", job)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run requeues jobs interrupted by a previous crash, then dispatches due
// jobs to the worker pool until ctx is cancelled.
func (q *JobQueue) Run(ctx context.Context) error {
	requeued, err := q.db.RequeueInterruptedJobs(ctx)
	if err != nil {
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	if requeued > 0 {
		q.logger.WarnContext(
			ctx,
			"requeued jobs interrupted by previous shutdown",
			"count", requeued,
		)
	}

	jobCh := make(chan ChatJob)
	wg := &sync.WaitGroup{}
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				q.runJob(ctx, job)
			}
		}()
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		q.logger.Info("queue stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		jobs, dueErr := q.db.DueJobs(ctx, time.Now(), q.workers)
		if dueErr != nil {
			q.logger.ErrorContext(ctx, "error polling queue", tint.Err(dueErr))
			jobs = nil
		}

		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			case <-time.After(q.config.SleepEmpty):
			}
			continue
		}

		for i := range jobs {
			job := jobs[i]
			// Lease before dispatch so the next poll can't hand the same
			// job to a second worker.
			job.State = JobStateInProgress
			job.Attempts++
			if updErr := q.db.UpdateJob(
				ctx, &job, map[string]any{
					"state":    JobStateInProgress,
					"attempts": job.Attempts,
				},
			); updErr != nil {
				q.logger.ErrorContext(
					ctx,
					"error leasing job",
					"job", &job,
					tint.Err(updErr),
				)
				continue
			}
			select {
			case jobCh <- job:
			case <-ctx.Done():
				// Return the undispatched lease so a restart retries it
				_ = q.db.UpdateJob(
					context.WithoutCancel(ctx), &job, map[string]any{
						"state":    JobStateQueued,
						"attempts": job.Attempts - 1,
					},
				)
				return nil
			}
		}
	}
}

// runJob executes one attempt and settles the job's state: completed on
// success, requeued with backoff while attempts remain, failed (with the
// failure hook) once exhausted.
func (q *JobQueue) runJob(ctx context.Context, job ChatJob) {
	log := q.logger.With("job", &job)
	ctx = WithLogger(ctx, log)

	log.InfoContext(ctx, "processing job")
	err := q.process(ctx, &job)
	if err == nil {
		finalState := job.State
		if finalState != JobStateBlocked {
			finalState = JobStateCompleted
		}
		if updErr := q.db.UpdateJob(
			ctx, &job, map[string]any{
				"state":      finalState,
				"last_error": "",
			},
		); updErr != nil {
			log.ErrorContext(ctx, "error settling job", tint.Err(updErr))
		}
		log.InfoContext(ctx, "job completed", "state", finalState)
		return
	}

	if job.Attempts >= q.config.MaxAttempts {
		log.ErrorContext(
			ctx,
			"job failed after final attempt",
			tint.Err(err),
		)
		if updErr := q.db.UpdateJob(
			ctx, &job, map[string]any{
				"state":      JobStateFailed,
				"last_error": err.Error(),
			},
		); updErr != nil {
			log.ErrorContext(ctx, "error settling failed job", tint.Err(updErr))
		}
		if q.onExhausted != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.ErrorContext(
							ctx,
							"panic in failure hook",
							tint.Err(fmt.Errorf("%v", r)),
						)
					}
				}()
				q.onExhausted(ctx, &job, err)
			}()
		}
		return
	}

	delay := q.backoff(job.Attempts)
	log.WarnContext(
		ctx,
		"job attempt failed, requeueing",
		tint.Err(err),
		"retry_in", delay,
	)
	if updErr := q.db.UpdateJob(
		ctx, &job, map[string]any{
			"state":           JobStateQueued,
			"next_attempt_at": time.Now().Add(delay).UnixMilli(),
			"last_error":      err.Error(),
		},
	); updErr != nil {
		log.ErrorContext(ctx, "error requeueing job", tint.Err(updErr))
	}
}

// backoff returns the delay before the given attempt number is retried:
// the base delay doubled per prior attempt.
func (q *JobQueue) backoff(attempts int) time.Duration {
	d := q.config.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
