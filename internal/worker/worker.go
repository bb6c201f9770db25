package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/codegen"
	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

type JobQueue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Retry(ctx context.Context, msg queue.Message) error
}

type ProjectBuilder interface {
	BuildTasks(projectType, requirements string) []codegen.Task
	Run(ctx context.Context, tasks []codegen.Task) (codegen.Result, error)
}

// Recorder writes job outcomes back into the user's conversation;
// *chat.Service implements it.
type Recorder interface {
	RecordProject(ctx context.Context, job queue.ProjectJob, summary, bundle string) (storage.Message, error)
	RecordProjectFailure(ctx context.Context, job queue.ProjectJob, cause error) (storage.Message, error)
}

var (
	_ JobQueue       = (*queue.StreamQueue)(nil)
	_ ProjectBuilder = (*codegen.Generator)(nil)
)

type Worker struct {
	queue         JobQueue
	builder       ProjectBuilder
	recorder      Recorder
	maxJobRetries int
	readRetry     time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         JobQueue
	Builder       ProjectBuilder
	Recorder      Recorder
	MaxJobRetries int
	// ReadRetry is the pause after a failed queue read.
	ReadRetry time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.ReadRetry <= 0 {
		cfg.ReadRetry = time.Second
	}
	return &Worker{
		queue:         cfg.Queue,
		builder:       cfg.Builder,
		recorder:      cfg.Recorder,
		maxJobRetries: cfg.MaxJobRetries,
		readRetry:     cfg.ReadRetry,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

// Start runs concurrency consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.readRetry):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Malformed {
		log.Warn().Str("msg_id", msg.ID).Msg("dropping malformed job")
		w.ack(ctx, log, msg.ID)
		return
	}

	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		w.ack(ctx, log, msg.ID)
		return
	}
	if ctx.Err() != nil {
		// Left pending; the same consumer reads it first after a restart.
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		if retryErr := w.queue.Retry(ctx, msg); retryErr != nil {
			log.Error().Err(retryErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
		}
		return
	}

	if _, recErr := w.recorder.RecordProjectFailure(ctx, msg.Job, err); recErr != nil {
		log.Error().Err(recErr).Str("job_id", msg.Job.JobID).Msg("failed to record project failure")
	}
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.ProjectJob) error {
	tasks := w.builder.BuildTasks(job.ProjectType, job.Requirements)
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks for project type %q", job.ProjectType)
	}

	res, err := w.builder.Run(ctx, tasks)
	if err != nil {
		return fmt.Errorf("run project: %w", err)
	}

	if _, err := w.recorder.RecordProject(ctx, job, summarize(job, res), res.Bundle()); err != nil {
		return fmt.Errorf("record project: %w", err)
	}
	w.logger.Info().
		Str("job_id", job.JobID).
		Str("user_id", job.UserID).
		Int("files", len(res.Files)).
		Dur("duration", res.Duration).
		Msg("project generated")
	return nil
}

// summarize lists the generated files with their static findings and review
// notes.
func summarize(job queue.ProjectJob, res codegen.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generated %d files for %q in %s.\n", len(res.Files), job.ProjectType, res.Duration.Round(time.Second))
	for _, f := range res.Files {
		fmt.Fprintf(&b, "\n- %s", f.Path)
		for _, issue := range f.Issues {
			fmt.Fprintf(&b, "\n  - %s", issue)
		}
		if r := strings.TrimSpace(f.Review); r != "" {
			fmt.Fprintf(&b, "\n  - review: %s", strings.ReplaceAll(r, "\n", " "))
		}
	}
	return b.String()
}
