package handler

import (
	"context"
	"errors"
	"mime/multipart"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/medscript/api/internal/client"
	"github.com/medscript/api/internal/model"
	"github.com/medscript/api/internal/service"
	"github.com/medscript/api/pkg/response"
)

// TranscriptManager is the record-mutation surface consumed by the
// handlers; satisfied by *service.TranscriptService.
type TranscriptManager interface {
	Create(ctx context.Context, req *model.CreateTranscriptRequest, img *service.ImageUpload) (*model.Transcript, error)
	Update(ctx context.Context, id uuid.UUID, req *model.UpdateTranscriptRequest, img *service.ImageUpload) (*model.Transcript, error)
	Retry(ctx context.Context, id uuid.UUID) (*model.Transcript, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*model.TranscriptResponse, error)
	Status(ctx context.Context, id uuid.UUID) (*model.TranscriptStatusResponse, error)
	List(ctx context.Context, page, limit int) (*model.TranscriptListResponse, error)
}

type TranscriptHandler struct {
	service   TranscriptManager
	validator *validator.Validate
}

func NewTranscriptHandler(svc TranscriptManager, v *validator.Validate) *TranscriptHandler {
	return &TranscriptHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/transcripts (multipart: title, description, image).
func (h *TranscriptHandler) Create(c *fiber.Ctx) error {
	req := &model.CreateTranscriptRequest{
		Title:       c.FormValue("title"),
		Description: c.FormValue("description"),
	}
	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Invalid transcript fields", err.Error())
	}

	file, err := c.FormFile("image")
	if err != nil {
		return response.ValidationError(c, "Image file is required", nil)
	}

	img, closeImg, err := h.openImage(c, file)
	if err != nil {
		return err
	}
	defer closeImg()

	t, err := h.service.Create(c.Context(), req, img)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.Created(c, model.NewTranscriptResponse(t, ""))
}

// List handles GET /api/transcripts.
func (h *TranscriptHandler) List(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 20)

	result, err := h.service.List(c.Context(), page, limit)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/transcripts/:id — the full show view including the
// structured payload.
func (h *TranscriptHandler) Get(c *fiber.Ctx) error {
	id, err := h.transcriptID(c)
	if err != nil {
		return err
	}

	result, err := h.service.Get(c.Context(), id)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, result)
}

// Status handles GET /api/transcripts/:id/status — the lightweight polling
// projection. Reading never triggers a transition.
func (h *TranscriptHandler) Status(c *fiber.Ctx) error {
	id, err := h.transcriptID(c)
	if err != nil {
		return err
	}

	result, err := h.service.Status(c.Context(), id)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, result)
}

// Update handles PUT /api/transcripts/:id. A new image forces a reset to
// pending and a reschedule; it is rejected while a job holds the record.
func (h *TranscriptHandler) Update(c *fiber.Ctx) error {
	id, err := h.transcriptID(c)
	if err != nil {
		return err
	}

	// Field presence decides whether a patch applies, so a client can clear
	// the description by sending it empty.
	req := &model.UpdateTranscriptRequest{}
	if form, err := c.MultipartForm(); err == nil {
		if v, ok := form.Value["title"]; ok && len(v) > 0 {
			req.Title = &v[0]
		}
		if v, ok := form.Value["description"]; ok && len(v) > 0 {
			req.Description = &v[0]
		}
	} else {
		if v := c.FormValue("title"); v != "" {
			req.Title = &v
		}
		if v := c.FormValue("description"); v != "" {
			req.Description = &v
		}
	}
	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Invalid transcript fields", err.Error())
	}

	var img *service.ImageUpload
	if file, err := c.FormFile("image"); err == nil {
		var closeImg func()
		img, closeImg, err = h.openImage(c, file)
		if err != nil {
			return err
		}
		defer closeImg()
	}

	t, err := h.service.Update(c.Context(), id, req, img)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.OK(c, model.NewTranscriptResponse(t, ""))
}

// Retry handles POST /api/transcripts/:id/retry.
func (h *TranscriptHandler) Retry(c *fiber.Ctx) error {
	id, err := h.transcriptID(c)
	if err != nil {
		return err
	}

	t, err := h.service.Retry(c.Context(), id)
	if err != nil {
		return h.serviceError(c, err)
	}

	return response.Accepted(c, model.NewStatusProjection(t))
}

// Delete handles DELETE /api/transcripts/:id.
func (h *TranscriptHandler) Delete(c *fiber.Ctx) error {
	id, err := h.transcriptID(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.Context(), id); err != nil {
		return h.serviceError(c, err)
	}

	return response.NoContent(c)
}

func (h *TranscriptHandler) transcriptID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, response.ValidationError(c, "Invalid transcript ID", nil)
	}
	return id, nil
}

// openImage validates and opens a multipart image file. The allow-list and
// size gate run here so unsupported uploads are rejected before any blob
// write or job dispatch.
func (h *TranscriptHandler) openImage(c *fiber.Ctx, file *multipart.FileHeader) (*service.ImageUpload, func(), error) {
	contentType := file.Header.Get("Content-Type")
	if !client.SupportedImageType(contentType) {
		return nil, nil, response.UnsupportedMedia(c, "Invalid image type. Supported: JPEG, PNG, WebP, HEIC", map[string]interface{}{
			"contentType": contentType,
		})
	}

	if file.Size > service.MaxImageSize {
		return nil, nil, response.PayloadTooLarge(c, "Image exceeds 10MB limit", map[string]interface{}{
			"maxSize":  service.MaxImageSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return nil, nil, response.ServiceError(c, "Failed to open image file")
	}

	img := &service.ImageUpload{
		Content:  f,
		Size:     file.Size,
		MimeType: contentType,
	}
	return img, func() { f.Close() }, nil
}

func (h *TranscriptHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrTranscriptNotFound):
		return response.NotFound(c, "Transcript not found")
	case errors.Is(err, service.ErrTranscriptBusy):
		return response.Conflict(c, "Transcript is being processed; try again once it finishes")
	case errors.Is(err, service.ErrNotRetryable):
		return response.Conflict(c, "Only failed transcripts can be retried")
	case errors.Is(err, service.ErrUnsupportedImage):
		return response.UnsupportedMedia(c, "Invalid image type. Supported: JPEG, PNG, WebP, HEIC", nil)
	case errors.Is(err, service.ErrImageTooLarge):
		return response.PayloadTooLarge(c, "Image exceeds 10MB limit", nil)
	default:
		return response.ServiceError(c, "Something went wrong")
	}
}
