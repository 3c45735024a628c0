package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medscript/api/internal/config"
	"github.com/medscript/api/internal/model"
)

// Transcriber turns image bytes into validated structured data or fails
// with a classified TranscribeError.
type Transcriber interface {
	Transcribe(ctx context.Context, imageData []byte, mimeType string) (*model.StructuredData, error)
}

// allowedMimeTypes is the upload allow-list. Anything else fails fast
// before a network call is made.
var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// SupportedImageType reports whether a content type is accepted for upload.
func SupportedImageType(mimeType string) bool {
	return allowedMimeTypes[mimeType]
}

const transcriptionPrompt = `You are a medical transcription assistant. The attached image is a photo of a handwritten medical document (prescription, consultation note, or test report).

Transcribe it into the requested JSON structure. Rules:
- Copy what is written; do not invent information that is not on the document.
- If a required text field is not present or not legible, use "Not specified".
- If the patient's age is not present, use 0.
- Dates should be formatted ISO-like (YYYY-MM-DD) when possible, otherwise as written.
- prescriptions, diagnoses, observations and tests must always be present as arrays, empty if the document has none.`

// GeminiClient handles communication with the Gemini generateContent API.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// generateContentRequest is the request body for :generateContent.
type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64                `json:"temperature"`
	TopP             float64                `json:"topP,omitempty"`
	CandidateCount   int                    `json:"candidateCount,omitempty"`
	ResponseMimeType string                 `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
}

// generateContentResponse is the response body for :generateContent.
type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiClient creates a new Gemini API client.
func NewGeminiClient(cfg *config.GeminiConfig) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// Transcribe sends the document image with the instruction prompt and
// response schema, and returns the re-validated structured result.
func (c *GeminiClient) Transcribe(ctx context.Context, imageData []byte, mimeType string) (*model.StructuredData, error) {
	if !c.IsConfigured() {
		return nil, newTranscribeError(ErrKindConfig, "API key missing or placeholder", nil)
	}
	if len(imageData) == 0 {
		return nil, newTranscribeError(ErrKindFile, "image is empty", nil)
	}
	if !SupportedImageType(mimeType) {
		return nil, newTranscribeError(ErrKindFile, fmt.Sprintf("unsupported image type %q", mimeType), nil)
	}

	reqBody := generateContentRequest{
		Contents: []content{
			{
				Parts: []part{
					{Text: transcriptionPrompt},
					{InlineData: &inlineData{
						MimeType: mimeType,
						Data:     base64.StdEncoding.EncodeToString(imageData),
					}},
				},
			},
		},
		// Low randomness: transcription wants determinism, not creativity.
		GenerationConfig: &generationConfig{
			Temperature:      0.1,
			TopP:             0.8,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
			ResponseSchema:   transcriptionSchema(),
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newTranscribeError(ErrKindGeneric, "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, newTranscribeError(ErrKindGeneric, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newTranscribeError(ErrKindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTranscribeError(ErrKindNetwork, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTPError(resp.StatusCode, respBody)
	}

	var genResp generateContentResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, newTranscribeError(ErrKindParse, "malformed API response", err)
	}

	if genResp.PromptFeedback != nil && genResp.PromptFeedback.BlockReason != "" {
		return nil, newTranscribeError(ErrKindAPISafety,
			fmt.Sprintf("prompt blocked: %s", genResp.PromptFeedback.BlockReason), nil)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return nil, newTranscribeError(ErrKindParse, "no candidates in response", nil)
	}
	if reason := genResp.Candidates[0].FinishReason; reason == "SAFETY" {
		return nil, newTranscribeError(ErrKindAPISafety, "candidate blocked by safety filter", nil)
	}

	var data model.StructuredData
	if err := json.Unmarshal([]byte(genResp.Candidates[0].Content.Parts[0].Text), &data); err != nil {
		return nil, newTranscribeError(ErrKindParse, "candidate is not valid JSON", err)
	}

	// The request asked for schema-constrained output, but the structural
	// guarantee is not trusted blindly.
	if err := data.Validate(); err != nil {
		return nil, newTranscribeError(ErrKindParse, "response failed structural validation", err)
	}

	return &data, nil
}

func (c *GeminiClient) classifyHTTPError(status int, body []byte) *TranscribeError {
	var genResp generateContentResponse
	detail := fmt.Sprintf("status %d", status)
	if err := json.Unmarshal(body, &genResp); err == nil && genResp.Error != nil {
		detail = fmt.Sprintf("status %d: %s", status, genResp.Error.Message)
	}

	switch status {
	case http.StatusTooManyRequests:
		return newTranscribeError(ErrKindAPIQuota, detail, nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return newTranscribeError(ErrKindAPIAuth, detail, nil)
	default:
		return newTranscribeError(ErrKindAPI, detail, nil)
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != "" && c.apiKey != "your-api-key"
}

// transcriptionSchema is the response schema sent with every request. It
// mirrors model.StructuredData in the Gemini schema dialect.
func transcriptionSchema() map[string]interface{} {
	str := map[string]interface{}{"type": "STRING"}

	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"patient": map[string]interface{}{
				"type": "OBJECT",
				"properties": map[string]interface{}{
					"name":   str,
					"age":    map[string]interface{}{"type": "INTEGER"},
					"gender": str,
				},
				"required": []string{"name", "age", "gender"},
			},
			"date": str,
			"prescriptions": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"drug_name": str,
						"dosage":    str,
						"route":     str,
						"frequency": str,
						"duration":  str,
						"notes":     str,
					},
					"required": []string{"drug_name", "dosage", "route", "frequency", "duration"},
				},
			},
			"diagnoses": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"condition": str,
						"notes":     str,
					},
					"required": []string{"condition"},
				},
			},
			"observations": map[string]interface{}{
				"type":  "ARRAY",
				"items": str,
			},
			"tests": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"test_name":    str,
						"result":       str,
						"normal_range": str,
						"notes":        str,
					},
					"required": []string{"test_name"},
				},
			},
			"instructions": str,
			"doctor": map[string]interface{}{
				"type": "OBJECT",
				"properties": map[string]interface{}{
					"name":      str,
					"signature": str,
				},
				"required": []string{"name", "signature"},
			},
		},
		"required": []string{
			"patient", "date", "prescriptions", "diagnoses",
			"observations", "tests", "instructions", "doctor",
		},
	}
}
