package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medscript/api/internal/config"
)

const validResultJSON = `{
	"patient": {"name": "Jane Doe", "age": 34, "gender": "female"},
	"date": "2024-03-15",
	"prescriptions": [{"drug_name": "Amoxicillin", "dosage": "500mg", "route": "oral", "frequency": "3x daily", "duration": "7 days"}],
	"diagnoses": [{"condition": "Acute sinusitis"}],
	"observations": ["Mild fever"],
	"tests": [],
	"instructions": "Rest and fluids",
	"doctor": {"name": "Dr. Smith", "signature": "A. Smith"}
}`

func testClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewGeminiClient(&config.GeminiConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gemini-test",
	})
}

func candidateResponse(text string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content": map[string]interface{}{
					"parts": []map[string]string{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	})
	return string(body)
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := Classify(err); got != want {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, want, err)
	}
}

func TestTranscribe_Success(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing API key header")
		}

		var req generateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.GenerationConfig == nil || req.GenerationConfig.Temperature > 0.2 {
			t.Error("expected conservative sampling parameters")
		}
		if req.GenerationConfig.ResponseSchema == nil {
			t.Error("expected a response schema in the request")
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 {
			t.Fatal("expected one content with prompt and image parts")
		}
		if req.Contents[0].Parts[1].InlineData == nil {
			t.Error("expected inline image data")
		}

		fmt.Fprint(w, candidateResponse(validResultJSON))
	})

	data, err := c.Transcribe(context.Background(), []byte("fake-jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if data.Patient.Name != "Jane Doe" {
		t.Errorf("patient name = %q", data.Patient.Name)
	}
	if len(data.Prescriptions) != 1 {
		t.Errorf("prescriptions = %d, want 1", len(data.Prescriptions))
	}
}

func TestTranscribe_UnsupportedTypeFailsBeforeNetwork(t *testing.T) {
	called := false
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.Transcribe(context.Background(), []byte("gif-bytes"), "image/gif")
	assertKind(t, err, ErrKindFile)
	if called {
		t.Error("no network call may happen for an unsupported image type")
	}
}

func TestTranscribe_EmptyImage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.Transcribe(context.Background(), nil, "image/jpeg")
	assertKind(t, err, ErrKindFile)
}

func TestTranscribe_MissingAPIKey(t *testing.T) {
	c := NewGeminiClient(&config.GeminiConfig{BaseURL: "http://localhost:1", Model: "gemini-test"})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/png")
	assertKind(t, err, ErrKindConfig)
}

func TestTranscribe_PlaceholderAPIKey(t *testing.T) {
	c := NewGeminiClient(&config.GeminiConfig{APIKey: "your-api-key", BaseURL: "http://localhost:1"})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/png")
	assertKind(t, err, ErrKindConfig)
}

func TestTranscribe_NetworkError(t *testing.T) {
	// Nothing listens on this address.
	c := NewGeminiClient(&config.GeminiConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1", Model: "gemini-test"})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
	assertKind(t, err, ErrKindNetwork)
}

func TestTranscribe_HTTPErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, ErrKindAPIQuota},
		{http.StatusUnauthorized, ErrKindAPIAuth},
		{http.StatusForbidden, ErrKindAPIAuth},
		{http.StatusInternalServerError, ErrKindAPI},
		{http.StatusBadRequest, ErrKindAPI},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope","status":"ERR"}}`, tc.status)
			})
			_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
			assertKind(t, err, tc.want)
		})
	}
}

func TestTranscribe_SafetyBlock(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
	assertKind(t, err, ErrKindAPISafety)
}

func TestTranscribe_NoCandidates(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
	assertKind(t, err, ErrKindParse)
}

func TestTranscribe_CandidateNotJSON(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, candidateResponse("this is not json"))
	})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
	assertKind(t, err, ErrKindParse)
}

// The external service's structural guarantee is not trusted: a reply that
// parses but misses required keys must be rejected.
func TestTranscribe_StructurallyInvalidCandidate(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, candidateResponse(`{"patient":{"name":"Jane","age":30,"gender":"f"}}`))
	})
	_, err := c.Transcribe(context.Background(), []byte("fake"), "image/jpeg")
	assertKind(t, err, ErrKindParse)
}

func TestClassify_UnknownError(t *testing.T) {
	if kind := Classify(errors.New("boom")); kind != ErrKindGeneric {
		t.Errorf("kind = %s, want %s", kind, ErrKindGeneric)
	}
}

func TestUserMessages(t *testing.T) {
	kinds := []ErrorKind{
		ErrKindConfig, ErrKindNetwork, ErrKindFile, ErrKindParse,
		ErrKindAPIQuota, ErrKindAPISafety, ErrKindAPIAuth, ErrKindAPI,
		ErrKindGeneric,
	}

	seen := map[string]ErrorKind{}
	for _, kind := range kinds {
		err := newTranscribeError(kind, "internal detail abc123", errors.New("raw cause"))
		msg := UserMessage(err)
		if msg == "" {
			t.Errorf("no user message for kind %s", kind)
		}
		if prev, dup := seen[msg]; dup && (kind == ErrKindConfig || kind == ErrKindNetwork || kind == ErrKindFile) {
			t.Errorf("kinds %s and %s share a message", prev, kind)
		}
		seen[msg] = kind
		// User messages never leak internals.
		if strings.Contains(msg, "abc123") || strings.Contains(msg, "raw cause") {
			t.Errorf("user message leaks internal detail: %q", msg)
		}
	}
}
