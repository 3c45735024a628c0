package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transcript status
type TranscriptStatus string

const (
	StatusPending    TranscriptStatus = "pending"
	StatusProcessing TranscriptStatus = "processing"
	StatusCompleted  TranscriptStatus = "completed"
	StatusFailed     TranscriptStatus = "failed"
)

// Transcript represents one uploaded document and its processing outcome.
//
// Field invariants, preserved by every repository transition:
//   - StructuredData and ProcessedAt are set iff Status is completed
//   - ErrorMessage is set iff Status is failed
type Transcript struct {
	ID             uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	Title          string           `gorm:"type:varchar(255);not null" json:"title"`
	Description    string           `gorm:"type:text" json:"description"`
	ImageKey       string           `gorm:"type:varchar(512);not null" json:"-"`
	ImageMimeType  string           `gorm:"type:varchar(64);not null" json:"-"`
	StructuredData []byte           `gorm:"type:jsonb" json:"-"`
	Status         TranscriptStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ErrorMessage   *string          `gorm:"type:text" json:"errorMessage,omitempty"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt   `gorm:"index" json:"-"`
}

func (Transcript) TableName() string {
	return "transcripts"
}

// HasStructuredData reports whether a completed transcription result is stored.
func (t *Transcript) HasStructuredData() bool {
	return len(t.StructuredData) > 0
}

// CanRetry reports whether an explicit retry request is accepted.
func (t *Transcript) CanRetry() bool {
	return t.Status == StatusFailed
}

// IsProcessing reports whether a transcription job currently holds the record.
func (t *Transcript) IsProcessing() bool {
	return t.Status == StatusProcessing
}
