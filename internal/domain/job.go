package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the overall lifecycle state of a generation job.
// Values include JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// StageStatus represents the state of a single pipeline stage.
type StageStatus string

const (
	StageGenerating   StageStatus = "generating"
	StageUploading    StageStatus = "uploading"
	StageCompleted    StageStatus = "completed"
	StageFailed       StageStatus = "failed"
	StageNotGenerated StageStatus = "not_generated"
)

// IDTimeLayout is the timestamp prefix of job IDs and the job "timestamp" field.
const IDTimeLayout = "20060102_150405"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// StorageInfo describes where the model artifact ended up.
type StorageInfo struct {
	Provider      string `json:"provider"`
	URL           string `json:"url"`
	Size          int64  `json:"size,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
	Key           string `json:"key,omitempty"`
	Pathname      string `json:"pathname,omitempty"`
	LocalURL      string `json:"local_url,omitempty"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

// Job is the status document of one generation request. It is the single
// source of truth for pollers and is rewritten in full on every transition.
type Job struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Status    JobStatus `json:"status"`

	ImageStatus     StageStatus `json:"image_status,omitempty"`
	PLYStatus       StageStatus `json:"ply_status,omitempty"`
	PLYUploadStatus StageStatus `json:"ply_upload_status,omitempty"`

	ExpectedImagePath string `json:"expected_image_path,omitempty"`
	ExpectedImageURL  string `json:"expected_image_url,omitempty"`
	ExpectedPLYPath   string `json:"expected_ply_path,omitempty"`
	ExpectedPLYURL    string `json:"expected_ply_url,omitempty"`

	ImagePath   string `json:"image_path,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	ImageWidth  int    `json:"image_width,omitempty"`
	ImageHeight int    `json:"image_height,omitempty"`
	ImageFormat string `json:"image_format,omitempty"`
	PLYPath     string `json:"ply_path,omitempty"`
	PLYURL      string `json:"ply_url,omitempty"`

	Error          string `json:"error,omitempty"`
	PLYError       string `json:"ply_error,omitempty"`
	PLYUploadError string `json:"ply_upload_error,omitempty"`

	Storage *StorageInfo `json:"storage,omitempty"`

	MetadataPath string `json:"metadata_path,omitempty"`
	MetadataURL  string `json:"metadata_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobID returns an identifier that is safe as a filename component and a
// URL path segment. The random suffix keeps IDs unique within one second.
func NewJobID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%s", now.Format(IDTimeLayout), random[:12])
}

// ValidID reports whether id can be used to address a job document.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewJob creates a job document in the processing state.
// Parameters:
//   - id: job identifier from NewJobID.
//   - prompt: the user prompt, stored verbatim.
//   - now: submission time.
//
// Returns:
//   - *Job: initial document.
func NewJob(id, prompt string, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:        id,
		Timestamp: now.Format(IDTimeLayout),
		Prompt:    prompt,
		Status:    JobStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func isTerminal(s StageStatus) bool {
	return s == StageCompleted || s == StageFailed || s == StageNotGenerated
}

func setStage(field *StageStatus, name string, next StageStatus, allowed ...StageStatus) error {
	valid := false
	for _, a := range allowed {
		if next == a {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s cannot be %q", ErrInvalidTransition, name, next)
	}
	if isTerminal(*field) {
		return fmt.Errorf("%w: %s already %q", ErrInvalidTransition, name, *field)
	}
	*field = next
	return nil
}

// SetImageStatus moves the image stage forward.
func (j *Job) SetImageStatus(s StageStatus) error {
	return setStage(&j.ImageStatus, "image_status", s, StageGenerating, StageCompleted, StageFailed)
}

// SetModelStatus moves the model (ply) stage forward.
func (j *Job) SetModelStatus(s StageStatus) error {
	if j.Status == JobStatusFailed && s == StageCompleted {
		return fmt.Errorf("%w: job already failed", ErrInvalidTransition)
	}
	return setStage(&j.PLYStatus, "ply_status", s, StageGenerating, StageCompleted, StageFailed)
}

// SetUploadStatus moves the upload stage forward. It is only legal once the
// model file exists.
func (j *Job) SetUploadStatus(s StageStatus) error {
	if j.PLYStatus != StageCompleted {
		return fmt.Errorf("%w: ply_upload_status requires ply_status %q, have %q",
			ErrInvalidTransition, StageCompleted, j.PLYStatus)
	}
	return setStage(&j.PLYUploadStatus, "ply_upload_status", s, StageUploading, StageCompleted, StageFailed)
}

// MarkModelNotGenerated records that no model attempt was made. It is a no-op
// once the model stage has been started.
func (j *Job) MarkModelNotGenerated() {
	if j.PLYStatus == "" {
		j.PLYStatus = StageNotGenerated
	}
}

// Finish moves the overall status out of processing. A finished job is never
// reopened or flipped.
func (j *Job) Finish(s JobStatus, at time.Time) error {
	if s != JobStatusCompleted && s != JobStatusFailed {
		return fmt.Errorf("%w: status cannot be %q", ErrInvalidTransition, s)
	}
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: status already %q", ErrInvalidTransition, j.Status)
	}
	j.Status = s
	at = at.UTC()
	j.CompletedAt = &at
	return nil
}

// IsFinished reports whether the job reached a terminal overall status.
func (j *Job) IsFinished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Validate checks that every status field holds a known value.
func (j *Job) Validate() error {
	if j.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	switch j.Status {
	case JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown value %q", j.Status)}
	}
	checks := []struct {
		field   string
		value   StageStatus
		allowed []StageStatus
	}{
		{"image_status", j.ImageStatus, []StageStatus{StageGenerating, StageCompleted, StageFailed}},
		{"ply_status", j.PLYStatus, []StageStatus{StageGenerating, StageCompleted, StageFailed, StageNotGenerated}},
		{"ply_upload_status", j.PLYUploadStatus, []StageStatus{StageUploading, StageCompleted, StageFailed}},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		ok := false
		for _, a := range c.allowed {
			if c.value == a {
				ok = true
				break
			}
		}
		if !ok {
			return &ValidationError{Field: c.field, Message: fmt.Sprintf("unknown value %q", c.value)}
		}
	}
	return nil
}
