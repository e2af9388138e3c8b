package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/vehicleingest/internal/logging"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/vehicle"
)

// ContextCheckInterval is how often the ingest loop checks for cancellation.
var ContextCheckInterval = 100

// ingest runs every data row of one batch through the validator and the store
// in a single write scope, then finalizes the batch. Runs on its own goroutine.
func (s *Service) ingest(ctx context.Context, up *activeUpload, b *vehicle.Batch, v *vehicle.Validator, parsed *parsedFile) {
	start := time.Now()
	logger := logging.WithFields(ctx, "batch_id", b.ID)

	defer func() {
		s.cleanup(b.ID)
	}()

	// Store writes that must outlive a cancelled or timed out ingestion.
	persistCtx := context.WithoutCancel(ctx)

	abort := func(msg string, err error) {
		logger.Error("ingestion aborted", "reason", msg, "error", err)
		b.Abort(msg, s.now())
		if uerr := s.store.UpdateProgress(persistCtx, b); uerr != nil {
			logger.Error("persist aborted batch", "error", uerr)
		}
		s.finishBatch(persistCtx, up, b, start)
	}

	tx, err := s.store.BeginIngest(ctx, b.ID)
	if err != nil {
		abort("could not start ingestion", err)
		return
	}
	defer func() { _ = tx.Rollback(persistCtx) }()

	var (
		inserted    []*vehicle.Record
		consecutive int
	)

	for i, row := range parsed.rows {
		if i%ContextCheckInterval == 0 && ctx.Err() != nil {
			abort(cancelMessage(ctx.Err()), ctx.Err())
			return
		}

		if s.opts.MaxConsecutiveFailures > 0 && consecutive >= s.opts.MaxConsecutiveFailures {
			remaining := len(parsed.rows) - i
			b.SkippedRows += remaining
			b.ErrorMessage = fmt.Sprintf("stopped after %d consecutive failed rows; %d remaining rows skipped",
				consecutive, remaining)
			logger.Warn("circuit breaker tripped", "consecutive_failures", consecutive, "skipped", remaining)
			break
		}

		line := parsed.firstLine + i
		out := v.Validate(row, line)

		if out.Class == vehicle.Processed {
			rec := out.Record
			rec.ID = s.newID()
			rec.BatchID = b.ID
			rec.CreatedAt = s.now()

			err := tx.Insert(ctx, rec)
			var dup *store.DuplicateIdentityError
			switch {
			case err == nil:
				inserted = append(inserted, rec)
			case errors.As(err, &dup):
				v.Forget(rec)
				out = vehicle.RowOutcome{
					Row:   line,
					Class: vehicle.Failed,
					Err: &vehicle.RowValidationError{
						Row:       line,
						Field:     vehicle.IdentityColumn(dup.Field),
						Value:     rec.Identity(dup.Field),
						Reason:    "duplicate value, already exists in another batch",
						Duplicate: true,
					},
				}
				out.Reason = out.Err.Reason
			case isCancellation(err):
				abort(cancelMessage(err), err)
				return
			default:
				abort("storage error while ingesting rows", err)
				return
			}
		}

		switch out.Class {
		case vehicle.Processed:
			b.ProcessedRows++
			consecutive = 0
		case vehicle.Skipped:
			b.SkippedRows++
		case vehicle.Failed:
			b.FailedRows++
			consecutive++
			if out.Err != nil && len(b.RowErrors) < s.opts.ErrorListCap {
				b.RowErrors = append(b.RowErrors, out.Err.AsRowError())
			}
		}

		if (i+1)%s.opts.ProgressInterval == 0 {
			b.UpdatedAt = s.now()
			up.update(progressOf(b))
			if err := s.store.UpdateProgress(ctx, b); err != nil && !isCancellation(err) {
				logger.Warn("persist progress", "error", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isCancellation(err) {
			abort(cancelMessage(err), err)
		} else {
			abort("storage error while committing rows", err)
		}
		return
	}

	s.advanceIndex(persistCtx, func() { s.index.Add(inserted...) })

	b.Finalize(s.now())
	if err := s.store.UpdateProgress(persistCtx, b); err != nil {
		logger.Error("persist finalized batch", "error", err)
	}

	rowsTotal.WithLabelValues(string(vehicle.Processed)).Add(float64(b.ProcessedRows))
	rowsTotal.WithLabelValues(string(vehicle.Failed)).Add(float64(b.FailedRows))
	rowsTotal.WithLabelValues(string(vehicle.Skipped)).Add(float64(b.SkippedRows))

	logger.Info("ingestion finished",
		"status", b.Status,
		"total", b.TotalRows,
		"processed", b.ProcessedRows,
		"failed", b.FailedRows,
		"skipped", b.SkippedRows,
		"duration", time.Since(start),
	)
	s.finishBatch(persistCtx, up, b, start)
}

// finishBatch publishes the final state of a batch to waiters, listeners,
// metrics and the event sink.
func (s *Service) finishBatch(ctx context.Context, up *activeUpload, b *vehicle.Batch, start time.Time) {
	up.finish(b)
	batchesTotal.WithLabelValues(string(b.Status)).Inc()
	ingestDuration.Observe(time.Since(start).Seconds())
	s.publishCompleted(ctx, b)
}

func cancelMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "ingestion timed out"
	}
	return "ingestion cancelled"
}
