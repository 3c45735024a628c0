package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"github.com/medscript/api/internal/client"
	"github.com/medscript/api/internal/model"
	"github.com/medscript/api/internal/repository"
)

// MaxImageSize caps accepted uploads at 10MB.
const MaxImageSize = 10 * 1024 * 1024

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrTranscriptBusy     = errors.New("transcript is being processed")
	ErrNotRetryable       = errors.New("only failed transcripts can be retried")
	ErrUnsupportedImage   = errors.New("unsupported image type")
	ErrImageTooLarge      = errors.New("image exceeds the maximum accepted size")
)

// TaskEnqueuer is the queue boundary; satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ImageUpload carries a validated-by-the-caller multipart file into the
// service. The service re-checks type and size before any side effect.
type ImageUpload struct {
	Content  io.Reader
	Size     int64
	MimeType string
}

// TranscriptService owns the record-mutation surface and the dispatch
// policy. The AI call itself never happens here; mutations only schedule
// work for the worker pool.
type TranscriptService struct {
	repo    repository.TranscriptRepository
	storage client.StorageClient
	tasks   TaskEnqueuer
	policy  RetryPolicy
}

func NewTranscriptService(repo repository.TranscriptRepository, storage client.StorageClient, tasks TaskEnqueuer, policy RetryPolicy) *TranscriptService {
	return &TranscriptService{
		repo:    repo,
		storage: storage,
		tasks:   tasks,
		policy:  policy,
	}
}

// Create stores the image, creates the record in pending and schedules one
// transcription job.
func (s *TranscriptService) Create(ctx context.Context, req *model.CreateTranscriptRequest, img *ImageUpload) (*model.Transcript, error) {
	if err := validateImage(img); err != nil {
		return nil, err
	}

	id := uuid.New()
	key := imageKey(id, img.MimeType)

	if _, err := s.storage.Upload(ctx, key, img.Content, img.MimeType); err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	t := &model.Transcript{
		ID:            id,
		Title:         req.Title,
		Description:   req.Description,
		ImageKey:      key,
		ImageMimeType: img.MimeType,
		Status:        model.StatusPending,
	}

	if err := s.repo.Create(ctx, t); err != nil {
		s.releaseBlob(ctx, key)
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	if err := s.schedule(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// Update patches metadata and, when a new image is supplied, replaces the
// blob wholesale: the record resets to pending and a new chain is
// scheduled. Image replacement is rejected while a job holds the record.
func (s *TranscriptService) Update(ctx context.Context, id uuid.UUID, req *model.UpdateTranscriptRequest, img *ImageUpload) (*model.Transcript, error) {
	t, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if img != nil {
		if t.Status == model.StatusProcessing {
			return nil, ErrTranscriptBusy
		}
		if err := validateImage(img); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdateMetadata(ctx, id, req.Title, req.Description); err != nil {
		return nil, fmt.Errorf("failed to update transcript: %w", err)
	}

	if img != nil {
		// New blob is durably stored before the pointer swap; the old one
		// is released only after the swap succeeds.
		oldKey := t.ImageKey
		newKey := imageKey(id, img.MimeType)

		if _, err := s.storage.Upload(ctx, newKey, img.Content, img.MimeType); err != nil {
			return nil, fmt.Errorf("failed to store image: %w", err)
		}
		if err := s.repo.ReplaceImage(ctx, id, newKey, img.MimeType); err != nil {
			s.releaseBlob(ctx, newKey)
			return nil, fmt.Errorf("failed to replace image: %w", err)
		}
		s.releaseBlob(ctx, oldKey)
	}

	t, err = s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if img != nil {
		if err := s.schedule(ctx, t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Retry starts a new attempt chain for a failed transcript. Any other
// status is an explicit rejection and never mutates state.
func (s *TranscriptService) Retry(ctx context.Context, id uuid.UUID) (*model.Transcript, error) {
	t, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.CanRetry() {
		return nil, ErrNotRetryable
	}

	if err := s.repo.ResetForRetry(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to reset transcript: %w", err)
	}

	t, err = s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.schedule(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// Delete soft-deletes the record and releases its blob.
func (s *TranscriptService) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.find(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTranscriptNotFound
		}
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	s.releaseBlob(ctx, t.ImageKey)
	return nil
}

// Get returns the full show view, including the structured payload and a
// presigned image link.
func (s *TranscriptService) Get(ctx context.Context, id uuid.UUID) (*model.TranscriptResponse, error) {
	t, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	imageURL := ""
	if url, err := s.storage.GetSignedURL(ctx, t.ImageKey, time.Hour); err == nil {
		imageURL = url
	}

	return model.NewTranscriptResponse(t, imageURL), nil
}

// Status returns the lightweight polling projection. It is a pure read.
func (s *TranscriptService) Status(ctx context.Context, id uuid.UUID) (*model.TranscriptStatusResponse, error) {
	t, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.NewStatusProjection(t), nil
}

// List returns a page of status projections, newest first.
func (s *TranscriptService) List(ctx context.Context, page, limit int) (*model.TranscriptListResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	transcripts, total, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	items := make([]*model.TranscriptStatusResponse, 0, len(transcripts))
	for _, t := range transcripts {
		items = append(items, model.NewStatusProjection(t))
	}

	return &model.TranscriptListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	}, nil
}

// schedule enqueues one job for a pending record. Scheduling is a no-op,
// not an error, for any other status.
func (s *TranscriptService) schedule(ctx context.Context, t *model.Transcript) error {
	if t.Status != model.StatusPending {
		return nil
	}

	task, err := NewTranscribeTask(t.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.tasks.EnqueueContext(ctx, task,
		asynq.Queue(QueueTranscription),
		asynq.MaxRetry(s.policy.MaxRetry()),
		asynq.Timeout(s.policy.AttemptTimeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

func (s *TranscriptService) find(ctx context.Context, id uuid.UUID) (*model.Transcript, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	return t, nil
}

func (s *TranscriptService) releaseBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		log.Printf("Failed to release blob %s: %v", key, err)
	}
}

func validateImage(img *ImageUpload) error {
	if img == nil || img.Size == 0 {
		return ErrUnsupportedImage
	}
	if !client.SupportedImageType(img.MimeType) {
		return ErrUnsupportedImage
	}
	if img.Size > MaxImageSize {
		return ErrImageTooLarge
	}
	return nil
}

func imageKey(id uuid.UUID, mimeType string) string {
	return fmt.Sprintf("transcripts/%s/%s%s", id, uuid.New(), extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	default:
		return ""
	}
}
