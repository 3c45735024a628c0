package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"github.com/medscript/api/internal/model"
)

// fakeRepo is an in-memory TranscriptRepository honoring the same
// invariant-preserving transition semantics as the GORM implementation.
type fakeRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*model.Transcript
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[uuid.UUID]*model.Transcript{}}
}

func (r *fakeRepo) get(id uuid.UUID) (*model.Transcript, error) {
	t, ok := r.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return t, nil
}

func (r *fakeRepo) Create(_ context.Context, t *model.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.records[t.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, page, limit int) ([]*model.Transcript, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Transcript
	for _, t := range r.records {
		cp := *t
		out = append(out, &cp)
	}
	return out, int64(len(r.records)), nil
}

func (r *fakeRepo) UpdateMetadata(_ context.Context, id uuid.UUID, title, description *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if title != nil {
		t.Title = *title
	}
	if description != nil {
		t.Description = *description
	}
	return nil
}

func (r *fakeRepo) ReplaceImage(_ context.Context, id uuid.UUID, imageKey, mimeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.ImageKey = imageKey
	t.ImageMimeType = mimeType
	r.reset(t)
	return nil
}

func (r *fakeRepo) ResetForRetry(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	r.reset(t)
	return nil
}

func (r *fakeRepo) reset(t *model.Transcript) {
	t.Status = model.StatusPending
	t.StructuredData = nil
	t.ErrorMessage = nil
	t.ProcessedAt = nil
}

func (r *fakeRepo) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return false, nil
	}
	if t.Status != model.StatusPending && t.Status != model.StatusProcessing {
		return false, nil
	}
	t.Status = model.StatusProcessing
	return true, nil
}

func (r *fakeRepo) Complete(_ context.Context, id uuid.UUID, data []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil || t.Status != model.StatusProcessing {
		return false, nil
	}
	now := time.Now()
	t.Status = model.StatusCompleted
	t.StructuredData = data
	t.ErrorMessage = nil
	t.ProcessedAt = &now
	return true, nil
}

func (r *fakeRepo) Fail(_ context.Context, id uuid.UUID, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil || t.Status != model.StatusProcessing {
		return false, nil
	}
	t.Status = model.StatusFailed
	t.StructuredData = nil
	t.ErrorMessage = &message
	t.ProcessedAt = nil
	return true, nil
}

func (r *fakeRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.get(id); err != nil {
		return err
	}
	delete(r.records, id)
	return nil
}

// fakeStorage records blob operations.
type fakeStorage struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
	failPut bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blobs: map[string][]byte{}}
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return "", errors.New("storage down")
	}
	data, _ := io.ReadAll(body)
	s.blobs[key] = data
	return "https://cdn.example.com/" + key, nil
}

func (s *fakeStorage) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no such blob: %s", key)
	}
	return data, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.example.com/signed/" + key, nil
}

// fakeEnqueuer records scheduled tasks instead of hitting Redis.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (e *fakeEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func setupService(t *testing.T) (*TranscriptService, *fakeRepo, *fakeStorage, *fakeEnqueuer) {
	t.Helper()
	repo := newFakeRepo()
	storage := newFakeStorage()
	queue := &fakeEnqueuer{}
	svc := NewTranscriptService(repo, storage, queue, DefaultRetryPolicy)
	return svc, repo, storage, queue
}

func jpegUpload() *ImageUpload {
	data := []byte("fake-jpeg-bytes")
	return &ImageUpload{
		Content:  bytes.NewReader(data),
		Size:     int64(len(data)),
		MimeType: "image/jpeg",
	}
}

func TestCreateStartsPendingAndSchedulesOneJob(t *testing.T) {
	svc, repo, storage, queue := setupService(t)

	created, err := svc.Create(context.Background(), &model.CreateTranscriptRequest{Title: "Test"}, jpegUpload())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if created.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if created.Title != "Test" {
		t.Errorf("title = %q", created.Title)
	}
	if queue.count() != 1 {
		t.Errorf("scheduled jobs = %d, want 1", queue.count())
	}

	stored, err := repo.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if _, err := storage.Download(context.Background(), stored.ImageKey); err != nil {
		t.Errorf("image blob not stored: %v", err)
	}

	id, err := TranscriptIDFromTask(queue.tasks[0])
	if err != nil {
		t.Fatalf("task payload: %v", err)
	}
	if id != created.ID {
		t.Errorf("task id = %s, want %s", id, created.ID)
	}
}

func TestCreateRejectsUnsupportedImageBeforeAnySideEffect(t *testing.T) {
	svc, _, storage, queue := setupService(t)

	gif := &ImageUpload{Content: bytes.NewReader([]byte("gif")), Size: 3, MimeType: "image/gif"}
	_, err := svc.Create(context.Background(), &model.CreateTranscriptRequest{Title: "Test"}, gif)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("error = %v, want ErrUnsupportedImage", err)
	}
	if queue.count() != 0 {
		t.Error("no job may be scheduled for a rejected upload")
	}
	if len(storage.blobs) != 0 {
		t.Error("no blob may be stored for a rejected upload")
	}
}

func TestCreateStorageFailureLeavesNoRecord(t *testing.T) {
	svc, repo, storage, queue := setupService(t)
	storage.failPut = true

	_, err := svc.Create(context.Background(), &model.CreateTranscriptRequest{Title: "Test"}, jpegUpload())
	if err == nil {
		t.Fatal("storage failure must surface")
	}
	if len(repo.records) != 0 {
		t.Error("no record may exist without its blob")
	}
	if queue.count() != 0 {
		t.Error("no job may be scheduled without a record")
	}
}

func TestCreateRejectsOversizedImage(t *testing.T) {
	svc, _, _, queue := setupService(t)

	big := &ImageUpload{Content: bytes.NewReader(nil), Size: MaxImageSize + 1, MimeType: "image/png"}
	_, err := svc.Create(context.Background(), &model.CreateTranscriptRequest{Title: "Test"}, big)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("error = %v, want ErrImageTooLarge", err)
	}
	if queue.count() != 0 {
		t.Error("no job may be scheduled for a rejected upload")
	}
}

func TestRetryOnlyAcceptedForFailed(t *testing.T) {
	svc, repo, _, queue := setupService(t)

	for _, status := range []model.TranscriptStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			id := seedRecord(t, repo, status)
			before, _ := repo.GetByID(context.Background(), id)

			_, err := svc.Retry(context.Background(), id)
			if !errors.Is(err, ErrNotRetryable) {
				t.Fatalf("error = %v, want ErrNotRetryable", err)
			}

			// Rejection never mutates state.
			after, _ := repo.GetByID(context.Background(), id)
			if after.Status != before.Status {
				t.Errorf("status changed on rejected retry: %s -> %s", before.Status, after.Status)
			}
		})
	}

	if queue.count() != 0 {
		t.Errorf("rejected retries scheduled %d jobs", queue.count())
	}
}

func TestRetryResetsFailedRecordAndSchedules(t *testing.T) {
	svc, repo, _, queue := setupService(t)
	id := seedRecord(t, repo, model.StatusFailed)

	got, err := svc.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Error("errorMessage must be cleared on retry")
	}
	if got.StructuredData != nil {
		t.Error("structuredData must be cleared on retry")
	}
	if got.ProcessedAt != nil {
		t.Error("processedAt must be cleared on retry")
	}
	if queue.count() != 1 {
		t.Errorf("scheduled jobs = %d, want 1", queue.count())
	}
}

func TestUpdateMetadataOnlyNeverChangesStatus(t *testing.T) {
	svc, repo, _, queue := setupService(t)
	id := seedRecord(t, repo, model.StatusCompleted)

	title := "Renamed"
	got, err := svc.Update(context.Background(), id, &model.UpdateTranscriptRequest{Title: &title}, nil)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got.Title != "Renamed" {
		t.Errorf("title = %q", got.Title)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("metadata edit changed status to %s", got.Status)
	}
	if got.StructuredData == nil {
		t.Error("metadata edit cleared structured data")
	}
	if queue.count() != 0 {
		t.Error("metadata edit must not schedule a job")
	}
}

func TestUpdateWithNewImageResetsAndReschedules(t *testing.T) {
	svc, repo, storage, queue := setupService(t)
	id := seedRecord(t, repo, model.StatusCompleted)
	before, _ := repo.GetByID(context.Background(), id)

	got, err := svc.Update(context.Background(), id, &model.UpdateTranscriptRequest{}, jpegUpload())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.StructuredData != nil {
		t.Error("old structured data must be cleared on image replacement")
	}
	if got.ImageKey == before.ImageKey {
		t.Error("imageKey must be replaced wholesale")
	}
	if queue.count() != 1 {
		t.Errorf("scheduled jobs = %d, want 1", queue.count())
	}

	// Old blob released only after the pointer swap.
	if len(storage.deleted) != 1 || storage.deleted[0] != before.ImageKey {
		t.Errorf("released blobs = %v, want [%s]", storage.deleted, before.ImageKey)
	}
}

func TestUpdateWithNewImageRejectedWhileProcessing(t *testing.T) {
	svc, repo, storage, queue := setupService(t)
	id := seedRecord(t, repo, model.StatusProcessing)

	_, err := svc.Update(context.Background(), id, &model.UpdateTranscriptRequest{}, jpegUpload())
	if !errors.Is(err, ErrTranscriptBusy) {
		t.Fatalf("error = %v, want ErrTranscriptBusy", err)
	}

	after, _ := repo.GetByID(context.Background(), id)
	if after.Status != model.StatusProcessing {
		t.Errorf("status = %s, record must not be mutated while a job holds it", after.Status)
	}
	if queue.count() != 0 {
		t.Error("rejected edit must not schedule a job")
	}
	if len(storage.deleted) != 0 {
		t.Error("rejected edit must not touch blobs")
	}
}

func TestDeleteReleasesBlob(t *testing.T) {
	svc, repo, storage, _ := setupService(t)
	id := seedRecord(t, repo, model.StatusCompleted)
	before, _ := repo.GetByID(context.Background(), id)

	if err := svc.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := repo.GetByID(context.Background(), id); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("record still visible after delete")
	}
	if len(storage.deleted) != 1 || storage.deleted[0] != before.ImageKey {
		t.Errorf("released blobs = %v, want [%s]", storage.deleted, before.ImageKey)
	}
}

func TestStatusProjectionIsPureRead(t *testing.T) {
	svc, repo, _, queue := setupService(t)
	id := seedRecord(t, repo, model.StatusProcessing)

	proj, err := svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if !proj.IsProcessing || proj.CanRetry || proj.HasStructuredData {
		t.Errorf("projection = %+v", proj)
	}

	after, _ := repo.GetByID(context.Background(), id)
	if after.Status != model.StatusProcessing {
		t.Error("status read triggered a transition")
	}
	if queue.count() != 0 {
		t.Error("status read scheduled a job")
	}
}

func TestOperationsOnMissingRecord(t *testing.T) {
	svc, _, _, _ := setupService(t)
	id := uuid.New()

	if _, err := svc.Get(context.Background(), id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("Get error = %v", err)
	}
	if _, err := svc.Status(context.Background(), id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("Status error = %v", err)
	}
	if _, err := svc.Retry(context.Background(), id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("Retry error = %v", err)
	}
	if err := svc.Delete(context.Background(), id); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("Delete error = %v", err)
	}
}

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	p := DefaultRetryPolicy

	if p.MaxRetry() != 2 {
		t.Errorf("MaxRetry() = %d, want 2 (three total attempts)", p.MaxRetry())
	}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{7, 120 * time.Second}, // clamped to the last step
		{0, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}

	// The server callback receives the count of retries already consumed,
	// 0-based; the delivered schedule must still increase across a chain.
	serverCases := []struct {
		retried int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
	}
	for _, tc := range serverCases {
		if got := p.RetryDelayFunc(tc.retried, nil, nil); got != tc.want {
			t.Errorf("RetryDelayFunc(%d) = %s, want %s", tc.retried, got, tc.want)
		}
	}
}

func seedRecord(t *testing.T, repo *fakeRepo, status model.TranscriptStatus) uuid.UUID {
	t.Helper()

	id := uuid.New()
	rec := &model.Transcript{
		ID:            id,
		Title:         "Seeded",
		ImageKey:      fmt.Sprintf("transcripts/%s/source.jpg", id),
		ImageMimeType: "image/jpeg",
		Status:        status,
	}
	switch status {
	case model.StatusCompleted:
		now := time.Now()
		rec.StructuredData = []byte(`{"date":"2024-03-15"}`)
		rec.ProcessedAt = &now
	case model.StatusFailed:
		msg := "The transcription service returned an error. Please try again later."
		rec.ErrorMessage = &msg
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}
