package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"github.com/medscript/api/internal/client"
	"github.com/medscript/api/internal/model"
	"github.com/medscript/api/internal/repository"
	"github.com/medscript/api/internal/service"
)

// TranscriptionWorker drives one record through processing to the outcome
// of one attempt. Retries are asynq's job; only budget exhaustion makes
// the record terminally failed.
type TranscriptionWorker struct {
	repo    repository.TranscriptRepository
	storage client.StorageClient
	ai      client.Transcriber

	retryInfo func(ctx context.Context) (retried, maxRetry int)
}

// NewTranscriptionWorker creates a new transcription worker.
func NewTranscriptionWorker(repo repository.TranscriptRepository, storage client.StorageClient, ai client.Transcriber) *TranscriptionWorker {
	return &TranscriptionWorker{
		repo:      repo,
		storage:   storage,
		ai:        ai,
		retryInfo: asynqRetryInfo,
	}
}

// ProcessTask handles one transcription attempt.
func (w *TranscriptionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	id, err := service.TranscriptIDFromTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	record, err := w.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted since scheduling; nothing to do.
			log.Printf("Transcript %s gone, dropping task", id)
			return nil
		}
		return fmt.Errorf("failed to load transcript %s: %w", id, err)
	}

	// Persisted immediately so status polls observe the transition. The
	// conditional update also enforces that only one chain holds a record:
	// it applies from pending (first attempt) or processing (a retry of
	// this chain), never from completed or failed.
	held, err := w.repo.MarkProcessing(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to mark transcript %s processing: %w", id, err)
	}
	if !held {
		log.Printf("Transcript %s moved on since scheduling, dropping task", id)
		return nil
	}

	log.Printf("Transcribing %s (attempt after %d retries)", id, w.retried(ctx))

	result, err := w.transcribe(ctx, record)
	if err != nil {
		return w.handleFailure(ctx, id, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return w.handleFailure(ctx, id, fmt.Errorf("failed to marshal result: %w", err))
	}

	stored, err := w.repo.Complete(ctx, id, data)
	if err != nil {
		return w.handleFailure(ctx, id, fmt.Errorf("failed to persist result: %w", err))
	}
	if !stored {
		log.Printf("Transcript %s moved on mid-attempt, dropping result", id)
		return nil
	}

	log.Printf("Transcript %s completed", id)
	return nil
}

func (w *TranscriptionWorker) transcribe(ctx context.Context, record *model.Transcript) (*model.StructuredData, error) {
	imageData, err := w.storage.Download(ctx, record.ImageKey)
	if err != nil {
		return nil, &client.TranscribeError{
			Kind: client.ErrKindFile,
			Msg:  "failed to read stored image",
			Err:  err,
		}
	}

	return w.ai.Transcribe(ctx, imageData, record.ImageMimeType)
}

// handleFailure returns the cause so asynq requeues the task with the
// policy backoff. On the last allowed attempt the classified user message
// is persisted first, making the record terminally failed for this chain.
// The write applies only while this chain still holds the record; a stale
// chain drops it rather than clobbering a newer outcome.
func (w *TranscriptionWorker) handleFailure(ctx context.Context, id uuid.UUID, cause error) error {
	retried, maxRetry := w.retryInfo(ctx)
	if retried >= maxRetry {
		stored, err := w.repo.Fail(ctx, id, client.UserMessage(cause))
		switch {
		case err != nil:
			log.Printf("Failed to mark transcript %s failed: %v", id, err)
		case !stored:
			log.Printf("Transcript %s moved on mid-attempt, not recording failure", id)
		default:
			log.Printf("Transcript %s failed after %d attempts: %v", id, retried+1, cause)
		}
	}
	return cause
}

func (w *TranscriptionWorker) retried(ctx context.Context) int {
	retried, _ := w.retryInfo(ctx)
	return retried
}

func asynqRetryInfo(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried, maxRetry
}
