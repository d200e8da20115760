package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/render"
	"github.com/ternarybob/neurareport/internal/services/renderers"
)

// renderBatches renders every batch with bounded sub-concurrency. A failed
// batch is recorded and rolled back without stopping its siblings unless
// FailFast is set.
func (o *Orchestrator) renderBatches(ctx context.Context, pc *Context) error {
	if err := o.transition(ctx, pc, models.JobStatusRendering); err != nil {
		return err
	}

	formats := models.OrderFormats(pc.Job.Formats)
	for _, format := range formats {
		if _, ok := o.renderers.Get(format); !ok {
			return fmt.Errorf("%w: no renderer for %s", models.ErrInvalidRequest, format)
		}
	}

	var (
		g    errgroup.Group
		stop atomic.Bool
	)
	g.SetLimit(o.opts.BatchConcurrency)

	for _, batch := range pc.Batches {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		if pc.Cancelled() {
			pc.markCancelled()
			break
		}

		g.Go(func() error {
			if stop.Load() {
				return nil
			}
			err := o.renderBatchRecovered(ctx, pc, batch, formats)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, models.ErrCancelled):
				pc.markCancelled()
				stop.Store(true)
				return nil
			case ctx.Err() != nil:
				stop.Store(true)
				return ctx.Err()
			case o.opts.FailFast:
				stop.Store(true)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if pc.isCancelled() {
		return models.ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("fail-fast after batch failure: %w", err)
	}
	return nil
}

// renderBatch binds one batch and writes it in every requested format, in
// format order. Pairs already recorded and verified on disk are kept as is.
// renderBatchRecovered turns a panic inside one batch into a failure of that batch
func (o *Orchestrator) renderBatchRecovered(ctx context.Context, pc *Context, batch models.Batch, formats []models.Format) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("job_id", pc.Job.ID).
				Str("batch_id", batch.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Msg("Batch render panicked")
			err = o.batchFailed(ctx, pc, batch, "", fmt.Errorf("batch panicked: %v", r))
		}
	}()
	return o.renderBatch(ctx, pc, batch, formats)
}

func (o *Orchestrator) renderBatch(ctx context.Context, pc *Context, batch models.Batch, formats []models.Format) error {
	job := pc.Job
	if pc.Cancelled() {
		return models.ErrCancelled
	}

	verified := make(map[models.Format]bool)
	for _, format := range formats {
		if existing, ok := job.ArtifactFor(batch.ID, format); ok && VerifyArtifact(existing) {
			verified[format] = true
		}
	}
	if len(verified) == len(formats) {
		o.logger.Debug().Str("job_id", job.ID).Str("batch_id", batch.ID).Msg("Batch already rendered, skipping")
		pc.batchDone(nil)
		o.publishBatch(ctx, pc, batch.ID, "skipped")
		return nil
	}

	o.publishBatch(ctx, pc, batch.ID, "running")

	rows, err := o.batches.FetchRows(ctx, pc.Contract, job.ConnectionID, batch, job.DateRange, job.KeyFilters)
	if err != nil {
		return o.batchFailed(ctx, pc, batch, "", fmt.Errorf("fetch rows: %w", err))
	}
	bound, err := render.Bind(pc.Template, pc.Contract, batch, rows)
	if err != nil {
		return o.batchFailed(ctx, pc, batch, "", fmt.Errorf("bind: %w", err))
	}

	for _, format := range formats {
		if verified[format] {
			continue
		}
		if pc.Cancelled() {
			o.rollback(ctx, pc, batch.ID)
			return models.ErrCancelled
		}

		renderer, _ := o.renderers.Get(format)
		path, err := renderers.OutputPath(o.opts.OutputDir, job.ID, batch.ID, format)
		if err != nil {
			return o.batchFailed(ctx, pc, batch, format, err)
		}

		start := time.Now()
		output, err := renderer.Render(ctx, bound, path)
		if err != nil {
			return o.batchFailed(ctx, pc, batch, format, err)
		}
		output.BatchID = batch.ID

		// Durable before the next render so a crash never loses a produced file
		if err := o.store.AppendArtifact(context.WithoutCancel(ctx), job.ID, output); err != nil {
			_ = os.Remove(path)
			return o.batchFailed(ctx, pc, batch, format, fmt.Errorf("record artifact: %w", err))
		}
		pc.addOutput(output)

		o.logger.Debug().
			Str("job_id", job.ID).
			Str("batch_id", batch.ID).
			Str("format", string(format)).
			Int64("size", output.SizeBytes).
			Dur("duration", time.Since(start)).
			Msg("Artifact rendered")

		if o.events != nil {
			o.events.Publish(ctx, models.ProgressEvent{
				Event:     models.EventStage,
				JobID:     job.ID,
				Stage:     StepRenderBatches,
				Status:    "done",
				BatchID:   batch.ID,
				Detail:    models.DetailArtifact,
				Format:    format,
				Artifacts: []models.RenderOutput{output},
				Timestamp: time.Now().UTC(),
			})
		}
	}

	pc.batchDone(nil)
	o.publishBatch(ctx, pc, batch.ID, "done")
	return nil
}

// batchFailed rolls the batch back and records the failure against it. During
// shutdown nothing is recorded so the batch is simply redone on resume.
func (o *Orchestrator) batchFailed(ctx context.Context, pc *Context, batch models.Batch, format models.Format, err error) error {
	o.rollback(ctx, pc, batch.ID)
	if ctx.Err() != nil {
		return err
	}

	batchErr := &models.BatchError{BatchID: batch.ID, Step: StepRenderBatches, Format: format, Err: err}
	entry := pc.addError(batch.ID, StepRenderBatches, format, batchErr)
	if appendErr := o.store.AppendError(context.WithoutCancel(ctx), pc.Job.ID, entry); appendErr != nil {
		o.logger.Error().Err(appendErr).Str("job_id", pc.Job.ID).Msg("Failed to record batch error")
	}
	pc.batchDone(err)

	o.logger.Warn().
		Err(err).
		Str("job_id", pc.Job.ID).
		Str("batch_id", batch.ID).
		Str("format", string(format)).
		Str("kind", string(models.Classify(err))).
		Msg("Batch failed")

	o.publishError(ctx, pc, entry)
	o.publishBatch(ctx, pc, batch.ID, "failed")
	return batchErr
}

// rollback deletes every artifact of one batch, files and records. Earlier
// batches are untouched.
func (o *Orchestrator) rollback(ctx context.Context, pc *Context, batchID string) {
	removed, err := o.store.RemoveArtifacts(context.WithoutCancel(ctx), pc.Job.ID, batchID)
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", pc.Job.ID).Str("batch_id", batchID).Msg("Failed to roll back batch artifacts")
	}
	for _, output := range removed {
		if err := os.Remove(output.Path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn().Err(err).Str("path", output.Path).Msg("Failed to delete rolled back artifact")
		}
	}
	pc.dropOutputs(batchID)

	if len(removed) > 0 {
		o.logger.Info().
			Str("job_id", pc.Job.ID).
			Str("batch_id", batchID).
			Int("removed", len(removed)).
			Msg("Batch artifacts rolled back")
	}
}

func (o *Orchestrator) publishBatch(ctx context.Context, pc *Context, batchID, status string) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, models.ProgressEvent{
		Event:     models.EventStage,
		JobID:     pc.Job.ID,
		Stage:     StepRenderBatches,
		Status:    status,
		BatchID:   batchID,
		Detail:    models.DetailBatch,
		Timestamp: time.Now().UTC(),
	})
}
