// Package worker generates end-of-session reports from queued jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-interview/backend/internal/models"
	"github.com/aura-interview/backend/internal/report"
	"github.com/aura-interview/backend/internal/sessions"
	"github.com/aura-interview/backend/pkg/queue"
)

// Results is the session store as the report job sees it.
type Results interface {
	LoadSession(ctx context.Context, id string) (*models.Session, error)
	GetTranscript(ctx context.Context, id string) (*sessions.Transcript, error)
	GetEvaluations(ctx context.Context, id string) ([]models.Evaluation, error)
	SaveReport(ctx context.Context, id string, rep *models.SessionReport) error
}

// Aggregator turns session results into a report.
type Aggregator interface {
	Aggregate(ctx context.Context, in report.Input) (*models.SessionReport, error)
}

// Archiver copies finished artifacts to object storage.
type Archiver interface {
	ArchiveTranscript(ctx context.Context, sessionID, text string) error
	ArchiveReport(ctx context.Context, sessionID string, report any) error
}

// JobSource is the queue the worker consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// errDrop marks a job that can never succeed, so retrying it is pointless.
var errDrop = errors.New("job dropped")

// ReportProcessor processes report jobs: load results, aggregate, persist, archive.
type ReportProcessor struct {
	results Results
	agg     Aggregator
	archive Archiver
	queue   JobSource
	backoff time.Duration
	logger  *zap.Logger
}

// NewReportProcessor creates a report processor. archive may be nil.
func NewReportProcessor(results Results, agg Aggregator, archive Archiver, q JobSource, logger *zap.Logger) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportProcessor{
		results: results,
		agg:     agg,
		archive: archive,
		queue:   q,
		backoff: queue.RetryBackoff,
		logger:  logger,
	}
}

// Process executes one report job. A report is saved only when aggregation succeeds.
func (p *ReportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReportGenerate {
		return fmt.Errorf("%w: unknown job type %s", errDrop, job.Type)
	}
	var payload queue.ReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.SessionID == "" {
		return fmt.Errorf("%w: bad payload", errDrop)
	}
	id := payload.SessionID

	sess, err := p.results.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return fmt.Errorf("%w: %v", errDrop, err)
		}
		return err
	}
	rep, transcript, err := p.Build(ctx, sess)
	if err != nil {
		return err
	}
	if err := p.results.SaveReport(ctx, id, rep); err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	if p.archive != nil {
		if err := p.archive.ArchiveTranscript(ctx, id, transcript.Text); err != nil {
			p.logger.Warn("transcript archive failed", zap.String("session_id", id), zap.Error(err))
		}
		if err := p.archive.ArchiveReport(ctx, id, rep); err != nil {
			p.logger.Warn("report archive failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	p.logger.Info("session report generated",
		zap.String("session_id", id),
		zap.Int("overall", rep.SessionSummary.OverallPerformanceScore),
		zap.Int("total_turns", rep.SessionSummary.TotalTurns))
	return nil
}

// Build aggregates the stored results of sess without persisting anything.
func (p *ReportProcessor) Build(ctx context.Context, sess *models.Session) (*models.SessionReport, *sessions.Transcript, error) {
	transcript, err := p.results.GetTranscript(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load transcript: %w", err)
	}
	evals, err := p.results.GetEvaluations(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load evaluations: %w", err)
	}
	in := report.Input{
		SessionID:   sess.ID,
		Turns:       transcript.Turns,
		Evaluations: evals,
		StartedAt:   sess.StartedAt,
		EndedAt:     time.Now(),
	}
	if sess.EndedAt != nil {
		in.EndedAt = *sess.EndedAt
	}
	rep, err := p.agg.Aggregate(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return rep, transcript, nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("report worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			if errors.Is(err, errDrop) {
				p.logger.Error("job dropped", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if _, reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ReportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
