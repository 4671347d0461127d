package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/metrics"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/storage"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 80), B: 200, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeImages struct {
	data  []byte
	err   error
	panic bool
}

func (f *fakeImages) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if f.panic {
		panic("generator exploded")
	}
	return f.data, f.err
}

type fakeModels struct {
	err   error
	calls int
}

func (f *fakeModels) Generate(ctx context.Context, imagePath, prompt, outputPath string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(outputPath, []byte("ply\nformat ascii 1.0\nend_header\n"), 0o644); err != nil {
		return "", err
	}
	return outputPath, nil
}

type failingProvider struct{ name string }

func (f failingProvider) Name() string { return f.name }

func (f failingProvider) Upload(ctx context.Context, filePath, contentType string) (*storage.Result, error) {
	return nil, &storage.UploadError{Provider: f.name, StatusCode: 503, Message: f.name + " unavailable"}
}

type pipelineEnv struct {
	store    *repository.FileJobStore
	pipeline *Pipeline
	layout   Layout
	dir      string
}

func newPipelineEnv(t *testing.T, images ImageGenerator, models ModelGenerator, uploader storage.Provider) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := repository.NewFileJobStore(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatal(err)
	}
	layout := Layout{ImagesDir: filepath.Join(dir, "images"), PLYsDir: filepath.Join(dir, "plys")}
	p := NewPipeline(&PipelineConfig{
		Store:    store,
		Images:   images,
		Models:   models,
		Uploader: uploader,
		Layout:   layout,
	})
	return &pipelineEnv{store: store, pipeline: p, layout: layout, dir: dir}
}

func (e *pipelineEnv) run(t *testing.T, prompt string) *domain.Job {
	t.Helper()
	now := time.Now()
	job := domain.NewJob(domain.NewJobID(now), prompt, now)
	job.ExpectedImageURL = "http://host/files/" + e.layout.ImageName(job.ID)
	job.ExpectedPLYURL = "http://host/files/" + e.layout.PLYName(job.ID)
	if err := e.store.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	e.pipeline.Run(context.Background(), job)

	got, err := e.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("document invalid after run: %v", err)
	}
	return got
}

func localChain(t *testing.T, dir string, extra ...storage.Provider) storage.Provider {
	t.Helper()
	local, err := storage.NewLocalProvider(filepath.Join(dir, "storage"), "http://host")
	if err != nil {
		t.Fatal(err)
	}
	return storage.NewChain(nil, append(extra, local)...)
}

func TestPipeline_HappyPath(t *testing.T) {
	models := &fakeModels{}
	dir := t.TempDir()
	env := newPipelineEnv(t, &fakeImages{data: pngBytes(t)}, models,
		localChain(t, dir, failingProvider{"vercel-blob"}, failingProvider{"s3"}))

	job := env.run(t, "a lighthouse at dusk")

	if job.Status != domain.JobStatusCompleted || job.CompletedAt == nil {
		t.Fatalf("status = %q completed_at=%v", job.Status, job.CompletedAt)
	}
	if job.ImageStatus != domain.StageCompleted || job.ImageWidth != 4 || job.ImageHeight != 3 {
		t.Errorf("image = %q %dx%d", job.ImageStatus, job.ImageWidth, job.ImageHeight)
	}
	if job.ImageURL != job.ExpectedImageURL || job.ImagePath != env.layout.ImagePath(job.ID) {
		t.Errorf("image location = %q %q", job.ImagePath, job.ImageURL)
	}
	if job.PLYStatus != domain.StageCompleted || job.PLYURL != job.ExpectedPLYURL {
		t.Errorf("ply = %q %q", job.PLYStatus, job.PLYURL)
	}
	if job.PLYUploadStatus != domain.StageCompleted {
		t.Fatalf("upload status = %q (%s)", job.PLYUploadStatus, job.PLYUploadError)
	}
	if job.Storage == nil || job.Storage.Provider != "local" || !strings.HasPrefix(job.Storage.LocalURL, "http://host/files/") {
		t.Errorf("storage = %+v", job.Storage)
	}
	if job.Error != "" {
		t.Errorf("error = %q", job.Error)
	}
}

func TestPipeline_ImageFailure(t *testing.T) {
	tests := []struct {
		name   string
		images *fakeImages
	}{
		{"provider error", &fakeImages{err: &domain.ProviderError{Stage: "image", Provider: "openai", Err: errors.New("rate limited")}}},
		{"empty data", &fakeImages{data: nil}},
		{"not an image", &fakeImages{data: []byte("<html>oops</html>")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := &fakeModels{}
			env := newPipelineEnv(t, tt.images, models, nil)
			job := env.run(t, "p")

			if job.Status != domain.JobStatusFailed || job.ImageStatus != domain.StageFailed {
				t.Errorf("status = %q image = %q", job.Status, job.ImageStatus)
			}
			if job.Error == "" {
				t.Error("error not recorded")
			}
			if job.PLYStatus != "" || models.calls != 0 {
				t.Errorf("model stage ran after image failure: %q calls=%d", job.PLYStatus, models.calls)
			}
		})
	}
}

func TestPipeline_ModelFailure(t *testing.T) {
	env := newPipelineEnv(t, &fakeImages{data: pngBytes(t)}, &fakeModels{err: errors.New("space is sleeping")}, nil)
	job := env.run(t, "p")

	if job.Status != domain.JobStatusCompleted {
		t.Errorf("status = %q", job.Status)
	}
	if job.PLYStatus != domain.StageFailed || !strings.Contains(job.PLYError, "space is sleeping") {
		t.Errorf("ply = %q %q", job.PLYStatus, job.PLYError)
	}
	if job.PLYUploadStatus != "" {
		t.Errorf("upload attempted: %q", job.PLYUploadStatus)
	}
}

func TestPipeline_NoModelGenerator(t *testing.T) {
	env := newPipelineEnv(t, &fakeImages{data: pngBytes(t)}, nil, nil)
	job := env.run(t, "p")

	if job.Status != domain.JobStatusCompleted || job.PLYStatus != domain.StageNotGenerated {
		t.Errorf("status = %q ply = %q", job.Status, job.PLYStatus)
	}
}

func TestPipeline_AllUploadsFail(t *testing.T) {
	chain := storage.NewChain(nil, failingProvider{"vercel-blob-api"}, failingProvider{"s3"})
	env := newPipelineEnv(t, &fakeImages{data: pngBytes(t)}, &fakeModels{}, chain)
	job := env.run(t, "p")

	if job.Status != domain.JobStatusCompleted {
		t.Errorf("status = %q", job.Status)
	}
	if job.PLYUploadStatus != domain.StageFailed {
		t.Fatalf("upload status = %q", job.PLYUploadStatus)
	}
	if !strings.Contains(job.PLYUploadError, "s3 unavailable") {
		t.Errorf("upload error = %q, want last provider's error", job.PLYUploadError)
	}
	if job.Storage != nil {
		t.Errorf("storage = %+v", job.Storage)
	}
}

func TestPipeline_PanicRecorded(t *testing.T) {
	env := newPipelineEnv(t, &fakeImages{panic: true}, nil, nil)
	job := env.run(t, "p")

	if job.Status != domain.JobStatusFailed || !strings.Contains(job.Error, "generator exploded") {
		t.Errorf("status = %q error = %q", job.Status, job.Error)
	}
}

func TestPipeline_ConvertsToPNG(t *testing.T) {
	env := newPipelineEnv(t, &fakeImages{data: jpegBytes(t)}, nil, nil)
	job := env.run(t, "p")

	if job.ImageFormat != "jpeg" {
		t.Errorf("format = %q", job.ImageFormat)
	}
	f, err := os.Open(job.ImagePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("stored image is not PNG: %v", err)
	}
}

// flakyStore drops the failAt-th document write.
type flakyStore struct {
	*repository.FileJobStore
	failAt int
	calls  int
}

func (s *flakyStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	s.calls++
	if s.calls == s.failAt {
		return nil, &domain.PersistenceError{Op: "update", JobID: id, Err: errors.New("disk full")}
	}
	return s.FileJobStore.Update(ctx, id, fn)
}

func TestPipeline_DocumentWriteFailures(t *testing.T) {
	// Writes in order: image generating, image completed, model generating,
	// model completed, upload uploading, upload completed, finalize.
	tests := []struct {
		name       string
		failAt     int
		wantStatus domain.JobStatus
		check      func(t *testing.T, job *domain.Job)
	}{
		{"image generating", 1, domain.JobStatusCompleted, func(t *testing.T, job *domain.Job) {
			if job.ImageStatus != domain.StageCompleted || job.PLYUploadStatus != domain.StageCompleted {
				t.Errorf("image = %q upload = %q", job.ImageStatus, job.PLYUploadStatus)
			}
		}},
		{"image completed", 2, domain.JobStatusCompleted, func(t *testing.T, job *domain.Job) {
			if job.ImageStatus != domain.StageGenerating || job.PLYStatus != domain.StageCompleted {
				t.Errorf("image = %q ply = %q", job.ImageStatus, job.PLYStatus)
			}
		}},
		{"model completed", 4, domain.JobStatusCompleted, func(t *testing.T, job *domain.Job) {
			if job.PLYStatus != domain.StageGenerating || job.PLYUploadStatus != "" {
				t.Errorf("ply = %q upload = %q", job.PLYStatus, job.PLYUploadStatus)
			}
		}},
		{"upload uploading", 5, domain.JobStatusCompleted, func(t *testing.T, job *domain.Job) {
			if job.PLYUploadStatus != domain.StageCompleted || job.Storage == nil {
				t.Errorf("upload = %q storage = %+v", job.PLYUploadStatus, job.Storage)
			}
		}},
		{"upload completed", 6, domain.JobStatusCompleted, func(t *testing.T, job *domain.Job) {
			if job.PLYUploadStatus != domain.StageUploading || job.Storage != nil {
				t.Errorf("upload = %q storage = %+v", job.PLYUploadStatus, job.Storage)
			}
		}},
		// The lost write leaves the document in processing. It must never
		// read as failed.
		{"finalize", 7, domain.JobStatusProcessing, func(t *testing.T, job *domain.Job) {
			if job.CompletedAt != nil || job.Error != "" {
				t.Errorf("completed_at = %v error = %q", job.CompletedAt, job.Error)
			}
			if job.PLYUploadStatus != domain.StageCompleted {
				t.Errorf("upload = %q", job.PLYUploadStatus)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			files, err := repository.NewFileJobStore(filepath.Join(dir, "metadata"))
			if err != nil {
				t.Fatal(err)
			}
			store := &flakyStore{FileJobStore: files, failAt: tt.failAt}
			models := &fakeModels{}
			collector := metrics.NewCollector("test")
			layout := Layout{ImagesDir: filepath.Join(dir, "images"), PLYsDir: filepath.Join(dir, "plys")}
			p := NewPipeline(&PipelineConfig{
				Store:    store,
				Images:   &fakeImages{data: pngBytes(t)},
				Models:   models,
				Uploader: localChain(t, dir),
				Metrics:  collector,
				Layout:   layout,
			})

			now := time.Now()
			job := domain.NewJob(domain.NewJobID(now), "p", now)
			if err := files.Create(context.Background(), job); err != nil {
				t.Fatal(err)
			}
			p.Run(context.Background(), job)

			if store.calls != 7 {
				t.Errorf("document writes = %d, want 7", store.calls)
			}
			if models.calls != 1 {
				t.Errorf("model calls = %d", models.calls)
			}
			stored, err := os.ReadDir(filepath.Join(dir, "storage"))
			if err != nil || len(stored) != 1 {
				t.Errorf("uploaded files = %d (%v)", len(stored), err)
			}

			got, err := files.Get(context.Background(), job.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			tt.check(t, got)

			rec := httptest.NewRecorder()
			collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, _ := io.ReadAll(rec.Body)
			if !strings.Contains(string(body), `test_jobs_total{status="completed"} 1`) ||
				strings.Contains(string(body), `test_jobs_total{status="failed"}`) {
				t.Errorf("jobs_total series:\n%s", body)
			}
		})
	}
}

func TestPipeline_FinalizeWriteFailureNoModel(t *testing.T) {
	dir := t.TempDir()
	files, err := repository.NewFileJobStore(filepath.Join(dir, "metadata"))
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyStore{FileJobStore: files, failAt: 3}
	p := NewPipeline(&PipelineConfig{
		Store:  store,
		Images: &fakeImages{data: pngBytes(t)},
		Layout: Layout{ImagesDir: filepath.Join(dir, "images"), PLYsDir: filepath.Join(dir, "plys")},
	})

	now := time.Now()
	job := domain.NewJob(domain.NewJobID(now), "p", now)
	if err := files.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	p.Run(context.Background(), job)

	got, err := files.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == domain.JobStatusFailed || got.ImageStatus != domain.StageCompleted {
		t.Errorf("status = %q image = %q", got.Status, got.ImageStatus)
	}
}
