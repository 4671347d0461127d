package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/metrics"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/storage"
)

// Stage names used in logs and metrics.
const (
	StageImage    = "image"
	StageModel    = "model"
	StageUpload   = "upload"
	StageFinalize = "finalize"
)

// Layout decides where a job's artifacts live on disk.
type Layout struct {
	ImagesDir string
	PLYsDir   string
}

// ImageName returns the file name of a job's generated image.
func (l Layout) ImageName(id string) string { return "generated_" + id + ".png" }

// PLYName returns the file name of a job's generated model.
func (l Layout) PLYName(id string) string { return "generated_" + id + ".ply" }

func (l Layout) ImagePath(id string) string { return filepath.Join(l.ImagesDir, l.ImageName(id)) }

func (l Layout) PLYPath(id string) string { return filepath.Join(l.PLYsDir, l.PLYName(id)) }

// Pipeline runs one job through image generation, model generation, upload
// and finalization, recording every transition in the job document.
type Pipeline struct {
	store    repository.JobStore
	images   ImageGenerator
	models   ModelGenerator // nil disables the model stage
	uploader storage.Provider
	metrics  *metrics.Collector
	layout   Layout
	now      func() time.Time
}

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	Store    repository.JobStore
	Images   ImageGenerator
	Models   ModelGenerator
	Uploader storage.Provider
	Metrics  *metrics.Collector
	Layout   Layout
}

// NewPipeline creates a new pipeline. A nil Uploader behaves like an empty
// fallback chain.
func NewPipeline(cfg *PipelineConfig) *Pipeline {
	uploader := cfg.Uploader
	if uploader == nil {
		uploader = storage.NewChain(cfg.Metrics)
	}
	return &Pipeline{
		store:    cfg.Store,
		images:   cfg.Images,
		models:   cfg.Models,
		uploader: uploader,
		metrics:  cfg.Metrics,
		layout:   cfg.Layout,
		now:      time.Now,
	}
}

// Layout returns the artifact layout.
func (p *Pipeline) Layout() Layout { return p.layout }

// Run executes the job. It never returns an error: every outcome, including
// a panic, ends up in the job document.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job) {
	ctx = logger.SetJobID(ctx, job.ID)
	start := time.Now()

	p.metrics.JobStarted()
	final := string(domain.JobStatusFailed)
	defer func() {
		p.metrics.JobFinished(final)
		logger.With(logger.Fields{}).WithDuration(time.Since(start)).WithStatus(final).
			Info(ctx, "Job finished")
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).
				Errorf("Pipeline panic: %v", r)
			p.fail(ctx, job.ID, fmt.Errorf("unexpected error: %v", r))
		}
	}()

	logger.CtxInfo(ctx, "Starting job")

	imagePath, err := p.runImage(ctx, job)
	if err != nil {
		return
	}

	if plyPath, ok := p.runModel(ctx, job, imagePath); ok {
		p.runUpload(ctx, job, plyPath)
	}

	// Past the image stage the job is completed whatever the later stages
	// or document writes did.
	p.finalize(ctx, job.ID)
	final = string(domain.JobStatusCompleted)
}

// update applies fn to the document. Write failures are logged and never
// abort the stage. Writes ignore cancellation so a shutdown still records
// the outcome.
func (p *Pipeline) update(ctx context.Context, id string, fn func(*domain.Job) error) error {
	_, err := p.store.Update(context.WithoutCancel(ctx), id, fn)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to update job document")
	}
	return err
}

func (p *Pipeline) observe(ctx context.Context, stage string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	elapsed := time.Since(start)
	p.metrics.ObserveStage(stage, result, elapsed)

	entry := logger.With(logger.Fields{logger.FieldStage: stage}).WithDuration(elapsed).WithStatus(result)
	if err != nil {
		entry.Warn(ctx, "Stage %s failed: %v", stage, err)
		return
	}
	entry.Info(ctx, "Stage %s completed", stage)
}

func (p *Pipeline) runImage(ctx context.Context, job *domain.Job) (string, error) {
	ctx = logger.SetStage(ctx, StageImage)
	p.update(ctx, job.ID, func(j *domain.Job) error {
		return j.SetImageStatus(domain.StageGenerating)
	})

	start := time.Now()
	path := p.layout.ImagePath(job.ID)

	info, genErr := p.generateImage(ctx, job.Prompt, path)
	p.observe(ctx, StageImage, start, genErr)
	if genErr != nil {
		now := p.now()
		p.update(ctx, job.ID, func(j *domain.Job) error {
			if err := j.SetImageStatus(domain.StageFailed); err != nil {
				return err
			}
			j.Error = genErr.Error()
			return j.Finish(domain.JobStatusFailed, now)
		})
		return "", genErr
	}

	p.update(ctx, job.ID, func(j *domain.Job) error {
		if err := j.SetImageStatus(domain.StageCompleted); err != nil {
			return err
		}
		j.ImagePath = path
		j.ImageURL = j.ExpectedImageURL
		j.ImageWidth = info.Width
		j.ImageHeight = info.Height
		j.ImageFormat = info.Format
		return nil
	})
	return path, nil
}

func (p *Pipeline) generateImage(ctx context.Context, prompt, path string) (*imageInfo, error) {
	if p.images == nil {
		return nil, errors.New("no image generator configured")
	}
	data, err := p.images.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return saveAsPNG(data, path)
}

// runModel reports whether a model file was produced.
func (p *Pipeline) runModel(ctx context.Context, job *domain.Job, imagePath string) (string, bool) {
	if p.models == nil {
		logger.CtxDebug(ctx, "No model generator configured, skipping model stage")
		return "", false
	}
	ctx = logger.SetStage(ctx, StageModel)
	p.update(ctx, job.ID, func(j *domain.Job) error {
		return j.SetModelStatus(domain.StageGenerating)
	})

	start := time.Now()
	plyPath, genErr := p.models.Generate(ctx, imagePath, job.Prompt, p.layout.PLYPath(job.ID))
	p.observe(ctx, StageModel, start, genErr)
	if genErr != nil {
		p.update(ctx, job.ID, func(j *domain.Job) error {
			if err := j.SetModelStatus(domain.StageFailed); err != nil {
				return err
			}
			j.PLYError = genErr.Error()
			return nil
		})
		return "", false
	}

	p.update(ctx, job.ID, func(j *domain.Job) error {
		if err := j.SetModelStatus(domain.StageCompleted); err != nil {
			return err
		}
		j.PLYPath = plyPath
		j.PLYURL = j.ExpectedPLYURL
		return nil
	})
	return plyPath, true
}

func (p *Pipeline) runUpload(ctx context.Context, job *domain.Job, plyPath string) {
	ctx = logger.SetStage(ctx, StageUpload)
	p.update(ctx, job.ID, func(j *domain.Job) error {
		return j.SetUploadStatus(domain.StageUploading)
	})

	start := time.Now()
	res, upErr := p.uploader.Upload(ctx, plyPath, "application/octet-stream")
	p.observe(ctx, StageUpload, start, upErr)
	if upErr != nil {
		p.update(ctx, job.ID, func(j *domain.Job) error {
			if err := j.SetUploadStatus(domain.StageFailed); err != nil {
				return err
			}
			j.PLYUploadError = upErr.Error()
			return nil
		})
		return
	}

	if res.LowConfidence {
		logger.With(logger.Fields{logger.FieldProvider: res.Provider}).
			Warn(ctx, "Stored URL %s was constructed, not reported by the provider", res.URL)
	}
	p.update(ctx, job.ID, func(j *domain.Job) error {
		if err := j.SetUploadStatus(domain.StageCompleted); err != nil {
			return err
		}
		j.Storage = storageInfo(res)
		return nil
	})
}

func (p *Pipeline) finalize(ctx context.Context, id string) {
	ctx = logger.SetStage(ctx, StageFinalize)
	now := p.now()
	p.update(ctx, id, func(j *domain.Job) error {
		j.MarkModelNotGenerated()
		return j.Finish(domain.JobStatusCompleted, now)
	})
}

// fail records a recovered panic. It is a no-op for finished jobs.
func (p *Pipeline) fail(ctx context.Context, id string, cause error) {
	now := p.now()
	_, err := p.store.Update(context.WithoutCancel(ctx), id, func(j *domain.Job) error {
		if j.IsFinished() {
			return domain.ErrInvalidTransition
		}
		j.Error = cause.Error()
		return j.Finish(domain.JobStatusFailed, now)
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		logger.FromContext(ctx).WithError(err).Error("Failed to record job failure")
	}
}

func storageInfo(res *storage.Result) *domain.StorageInfo {
	return &domain.StorageInfo{
		Provider:      res.Provider,
		URL:           res.URL,
		Size:          res.Size,
		ContentType:   res.ContentType,
		Bucket:        res.Bucket,
		Key:           res.Key,
		Pathname:      res.Pathname,
		LocalURL:      res.LocalURL,
		LowConfidence: res.LowConfidence,
	}
}
