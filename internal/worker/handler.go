// Package worker runs queued chat jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/stream"
)

// slow jobs are logged with a timing breakdown
const slowJob = 2 * time.Second

// MaxAttempts bounds deliveries of one job, retries included.
const MaxAttempts = 3

// Disposition is what the consumer does with a delivery after HandleJob.
type Disposition int

const (
	Ack        Disposition = iota
	Requeue                // put back on the queue now (shutdown)
	Retry                  // park on the retry queue
	DeadLetter             // reject to the DLQ
)

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, chat.ErrStreamingUnsupported),
		errors.Is(err, stream.ErrAborted),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Dispose maps a HandleJob result to a delivery action. final is true on the
// last allowed attempt.
func Dispose(ctx context.Context, err error, final bool) Disposition {
	switch {
	case err == nil:
		return Ack
	case ctx.Err() != nil:
		return Requeue
	case final || !Retryable(err):
		return DeadLetter
	default:
		return Retry
	}
}

type Handler struct {
	svc  *chat.Service
	repo *chat.Repo
}

func NewHandler(svc *chat.Service, repo *chat.Repo) *Handler {
	return &Handler{svc: svc, repo: repo}
}

// HandleJob generates and stores the reply for jobID and records the job
// result. On error the job is marked failed, unless it will be delivered
// again (see Dispose), in which case it goes back to queued.
func (h *Handler) HandleJob(ctx context.Context, jobID string, final bool) error {
	jobStart := time.Now()

	t0 := time.Now()
	if err := h.repo.UpdateJobStatusRunning(ctx, jobID); err != nil {
		slog.Warn("job: mark running failed", "job_id", jobID, "error", err)
	}
	updateCost := time.Since(t0)

	t1 := time.Now()
	j, err := h.repo.GetJobByID(ctx, jobID)
	getJobCost := time.Since(t1)
	if err != nil {
		slog.Error("job: load failed", "job_id", jobID, "update", updateCost, "get_job", getJobCost, "error", err)
		return err
	}
	if j.Status == chat.JobSucceeded {
		// redelivered after a successful run
		return nil
	}

	t2 := time.Now()
	_, assistantMsgID, err := h.svc.GenerateAssistantReplyAndInsert(ctx, j.UserID, j.SessionID, j.ID)
	genCost := time.Since(t2)

	if err != nil {
		t3 := time.Now()
		if Dispose(ctx, err, final) == DeadLetter {
			if markErr := h.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, jobErrorMessage(err)); markErr != nil {
				slog.Error("job: mark failed failed", "job_id", jobID, "error", markErr)
			}
		} else if markErr := h.repo.MarkJobQueued(context.WithoutCancel(ctx), jobID); markErr != nil {
			slog.Error("job: requeue failed", "job_id", jobID, "error", markErr)
		}
		slog.Warn("job_timing_failed",
			"job_id", jobID,
			"update", updateCost,
			"get_job", getJobCost,
			"gen", genCost,
			"mark", time.Since(t3),
			"total", time.Since(jobStart),
			"error", err,
		)
		return err
	}

	t4 := time.Now()
	if err := h.repo.MarkJobSucceeded(ctx, jobID, assistantMsgID); err != nil {
		slog.Error("job_timing_failed",
			"job_id", jobID,
			"update", updateCost,
			"get_job", getJobCost,
			"gen", genCost,
			"mark_succ", time.Since(t4),
			"total", time.Since(jobStart),
			"error", err,
		)
		return err
	}

	if total := time.Since(jobStart); total > slowJob {
		slog.Info("job_timing",
			"job_id", jobID,
			"update", updateCost,
			"get_job", getJobCost,
			"gen", genCost,
			"mark_succ", time.Since(t4),
			"total", total,
		)
	}
	return nil
}

// jobErrorMessage is what a job poller gets to see.
func jobErrorMessage(err error) string {
	var be *stream.BackendError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	if errors.Is(err, stream.ErrAborted) {
		return "generation cancelled"
	}
	return err.Error()
}
