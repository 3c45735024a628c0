package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/medscript/api/internal/model"
)

type (
	// TranscriptRepository is the persistence surface for transcript records.
	// Every transition method applies its whole field set in a single
	// UPDATE, so readers never observe a record that violates the
	// status/data/error invariants.
	TranscriptRepository interface {
		Create(ctx context.Context, t *model.Transcript) error
		GetByID(ctx context.Context, id uuid.UUID) (*model.Transcript, error)
		List(ctx context.Context, page, limit int) ([]*model.Transcript, int64, error)

		// UpdateMetadata patches title/description only; status is untouched.
		UpdateMetadata(ctx context.Context, id uuid.UUID, title, description *string) error

		// ReplaceImage swaps the blob pointer and resets the record to
		// pending in the same UPDATE, clearing data, error and processedAt.
		ReplaceImage(ctx context.Context, id uuid.UUID, imageKey, mimeType string) error

		// ResetForRetry returns a failed record to pending, clearing data,
		// error and processedAt.
		ResetForRetry(ctx context.Context, id uuid.UUID) error

		// MarkProcessing moves a record into processing, but only from
		// pending or processing. The boolean reports whether the update
		// applied; false means the record moved on (or was deleted) since
		// the job was scheduled.
		MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)

		// Complete writes the structured result, processedAt and completed
		// status, clearing any error, as one atomic update. It applies only
		// from processing; the boolean reports whether the caller still held
		// the record.
		Complete(ctx context.Context, id uuid.UUID, data []byte) (bool, error)

		// Fail writes the user-facing message and failed status, clearing
		// data and processedAt, as one atomic update. Like Complete it
		// applies only from processing, so a stale chain can never clobber
		// a record another chain already finished.
		Fail(ctx context.Context, id uuid.UUID, message string) (bool, error)

		SoftDelete(ctx context.Context, id uuid.UUID) error
	}

	transcriptRepository struct {
		db *gorm.DB
	}
)

func NewTranscriptRepository(db *gorm.DB) TranscriptRepository {
	return &transcriptRepository{db: db}
}

func (r *transcriptRepository) Create(ctx context.Context, t *model.Transcript) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *transcriptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Transcript, error) {
	var t model.Transcript
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transcriptRepository) List(ctx context.Context, page, limit int) ([]*model.Transcript, int64, error) {
	var transcripts []*model.Transcript
	var count int64

	offset := (page - 1) * limit

	query := r.db.WithContext(ctx).Model(&model.Transcript{})

	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}

	if err := query.Offset(offset).Limit(limit).Order("created_at desc").Find(&transcripts).Error; err != nil {
		return nil, 0, err
	}

	return transcripts, count, nil
}

func (r *transcriptRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, title, description *string) error {
	fields := map[string]interface{}{}
	if title != nil {
		fields["title"] = *title
	}
	if description != nil {
		fields["description"] = *description
	}
	if len(fields) == 0 {
		return nil
	}
	return r.updates(ctx, id, fields)
}

func (r *transcriptRepository) ReplaceImage(ctx context.Context, id uuid.UUID, imageKey, mimeType string) error {
	return r.updates(ctx, id, map[string]interface{}{
		"image_key":       imageKey,
		"image_mime_type": mimeType,
		"status":          model.StatusPending,
		"structured_data": nil,
		"error_message":   nil,
		"processed_at":    nil,
	})
}

func (r *transcriptRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	return r.updates(ctx, id, map[string]interface{}{
		"status":          model.StatusPending,
		"structured_data": nil,
		"error_message":   nil,
		"processed_at":    nil,
	})
}

func (r *transcriptRepository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Transcript{}).
		Where("id = ? AND status IN ?", id, []model.TranscriptStatus{model.StatusPending, model.StatusProcessing}).
		Updates(map[string]interface{}{"status": model.StatusProcessing})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *transcriptRepository) Complete(ctx context.Context, id uuid.UUID, data []byte) (bool, error) {
	return r.finish(ctx, id, map[string]interface{}{
		"status":          model.StatusCompleted,
		"structured_data": data,
		"error_message":   nil,
		"processed_at":    time.Now(),
	})
}

func (r *transcriptRepository) Fail(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	return r.finish(ctx, id, map[string]interface{}{
		"status":          model.StatusFailed,
		"structured_data": nil,
		"error_message":   message,
		"processed_at":    nil,
	})
}

// finish applies a terminal transition, but only from processing. Zero rows
// means the record moved on under another chain (or was deleted); the caller
// drops its write instead of clobbering the newer outcome.
func (r *transcriptRepository) finish(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Transcript{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *transcriptRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Transcript{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *transcriptRepository) updates(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&model.Transcript{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
