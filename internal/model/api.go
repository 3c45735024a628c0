package model

import (
	"encoding/json"
	"time"
)

// CreateTranscriptRequest holds the multipart form fields for a new upload.
type CreateTranscriptRequest struct {
	Title       string `form:"title" validate:"required,max=255"`
	Description string `form:"description" validate:"max=2000"`
}

// UpdateTranscriptRequest holds the multipart form fields for an edit.
// The image file itself is optional and handled separately by the handler.
type UpdateTranscriptRequest struct {
	Title       *string `form:"title" validate:"omitempty,max=255"`
	Description *string `form:"description" validate:"omitempty,max=2000"`
}

// TranscriptResponse is the full "show" view, including the structured
// payload once transcription has completed.
type TranscriptResponse struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Status         TranscriptStatus `json:"status"`
	StructuredData json.RawMessage  `json:"structuredData,omitempty"`
	ErrorMessage   *string          `json:"errorMessage,omitempty"`
	ImageURL       string           `json:"imageUrl,omitempty"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// TranscriptStatusResponse is the lightweight polling projection. It never
// carries the structured payload; pollers fetch the full view once
// HasStructuredData flips to true.
type TranscriptStatusResponse struct {
	ID                string           `json:"id"`
	Status            TranscriptStatus `json:"status"`
	ErrorMessage      *string          `json:"errorMessage"`
	ProcessedAt       *time.Time       `json:"processedAt"`
	HasStructuredData bool             `json:"hasStructuredData"`
	CanRetry          bool             `json:"canRetry"`
	IsProcessing      bool             `json:"isProcessing"`
}

// NewStatusProjection derives the polling view from the current record.
// Reading it never triggers a transition.
func NewStatusProjection(t *Transcript) *TranscriptStatusResponse {
	return &TranscriptStatusResponse{
		ID:                t.ID.String(),
		Status:            t.Status,
		ErrorMessage:      t.ErrorMessage,
		ProcessedAt:       t.ProcessedAt,
		HasStructuredData: t.HasStructuredData(),
		CanRetry:          t.CanRetry(),
		IsProcessing:      t.IsProcessing(),
	}
}

// NewTranscriptResponse builds the full show view. imageURL may be empty
// when the blob store cannot produce a link.
func NewTranscriptResponse(t *Transcript, imageURL string) *TranscriptResponse {
	resp := &TranscriptResponse{
		ID:           t.ID.String(),
		Title:        t.Title,
		Description:  t.Description,
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
		ImageURL:     imageURL,
		ProcessedAt:  t.ProcessedAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.HasStructuredData() {
		resp.StructuredData = json.RawMessage(t.StructuredData)
	}
	return resp
}

// TranscriptListResponse is the paginated index view. Items are status
// projections; the payload is only served from the show view.
type TranscriptListResponse struct {
	Items []*TranscriptStatusResponse `json:"items"`
	Page  int                         `json:"page"`
	Limit int                         `json:"limit"`
	Total int64                       `json:"total"`
}
