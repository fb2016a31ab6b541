package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/loramerge/internal/loader"
	"github.com/born-ml/loramerge/internal/serialization"
)

// MetaRunID is the output metadata key holding the merge run identifier.
const MetaRunID = "loramerge.run_id"

// Job describes a complete merge: base model in, merged checkpoint out.
type Job struct {
	BasePath string
	Plan     Plan
	Output   string
	Loader   []loader.Option
	Progress func(total int64) io.Writer // optional; receives written data bytes
	Verify   bool                        // reopen the output and check its checksum
}

// Report summarizes a finished job.
type Report struct {
	RunID    string
	Tensors  int
	Bytes    int64
	Checksum string
	Duration time.Duration
}

// Run loads the base model, applies the plan and writes the merged checkpoint atomically.
// When any step fails no file is left at job.Output.
func (e *Engine) Run(ctx context.Context, job Job) (*Report, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := e.log.With("run_id", runID)

	log.Info("loading base model", "path", job.BasePath)
	base, err := loader.LoadModel(job.BasePath, job.Loader...)
	if err != nil {
		e.metrics.RecordError(ErrorKind(err))
		return nil, fmt.Errorf("base model: %w", err)
	}
	defer base.Release()
	log.Info("base model loaded", "tensors", len(base), "bytes", base.ByteSize())

	run := &Engine{backend: e.backend, log: log, metrics: e.metrics}
	merged, err := run.Merge(ctx, base, job.Plan)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		e.metrics.RecordError(ErrorKind(err))
		return nil, fmt.Errorf("merge canceled before save: %w", err)
	}

	meta := job.Plan.Metadata()
	if meta == nil {
		meta = make(map[string]string)
	}
	meta[MetaRunID] = runID

	opts := serialization.WriteOptions{Metadata: meta}
	total := merged.ByteSize()
	if job.Progress != nil {
		opts.Progress = job.Progress(total)
	}

	log.Info("saving merged model", "path", job.Output)
	saveStart := time.Now()
	if err := serialization.WriteSafeTensors(ctx, job.Output, merged, opts); err != nil {
		e.metrics.RecordError(ErrorKind(err))
		return nil, err
	}
	e.metrics.RecordSave(time.Since(saveStart), len(merged), total)

	report := &Report{RunID: runID, Tensors: len(merged), Bytes: total}
	if err := e.inspectOutput(job, report); err != nil {
		// A checkpoint that cannot be read back is not left behind.
		_ = os.Remove(job.Output)
		e.metrics.RecordError(ErrorKind(err))
		return nil, err
	}
	report.Duration = time.Since(start)

	log.Info("merged model saved",
		"path", job.Output,
		"tensors", report.Tensors,
		"checksum", report.Checksum,
		"duration", report.Duration.Round(time.Millisecond).String(),
	)
	return report, nil
}

// inspectOutput reads the checksum back from the written header and optionally verifies it.
func (e *Engine) inspectOutput(job Job, report *Report) error {
	r, err := serialization.OpenSafeTensors(job.Output)
	if err != nil {
		return err
	}
	defer r.Close()

	if !r.HasChecksum() {
		return &serialization.StorageError{
			Op:   "validate",
			Path: job.Output,
			Err:  fmt.Errorf("%w: no data checksum in header", serialization.ErrInvalidHeader),
		}
	}
	report.Checksum = r.Metadata()[serialization.MetaChecksum]
	if job.Verify {
		if err := r.VerifyChecksum(); err != nil {
			return err
		}
		e.log.Info("checksum verified", "path", job.Output, "checksum", report.Checksum)
	}
	return nil
}
