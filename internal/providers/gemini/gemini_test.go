package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
)

// --- helpers ---

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := New(context.Background(), "mock-api-key", "gemini-2.5-flash", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []candidate{
			{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: text}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: usageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
		},
	}
}

// --- tests ---

func TestAdapter_Kind(t *testing.T) {
	a, err := New(context.Background(), "key", "gemini-2.5-flash")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Kind() != domain.ProviderGemini {
		t.Fatalf("expected gemini kind, got %q", a.Kind())
	}
}

func TestAdapter_GenerateText_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		// SDK may pass the key as a query param or a header.
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key 'mock-api-key', got %q", gotKey)
		}

		if !strings.Contains(r.URL.Path, "gemini-2.5-flash") {
			t.Errorf("expected model in path, got %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("expected generateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	res, err := a.GenerateText(context.Background(), &providers.Request{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Text != "Hello, world!" {
		t.Errorf("expected 'Hello, world!', got %q", res.Text)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("expected usage 10/5, got %d/%d", res.InputTokens, res.OutputTokens)
	}
	if res.Estimated {
		t.Error("provider reported usage; Estimated must be false")
	}
}

func TestAdapter_GenerateText_SystemInstruction(t *testing.T) {
	var capturedBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("OK"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.GenerateText(context.Background(), &providers.Request{
		Prompt:       "Hello",
		SystemPrompt: "You are a resume extractor.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedBody.SystemInstruction == nil || len(capturedBody.SystemInstruction.Parts) == 0 {
		t.Fatal("expected systemInstruction to be set")
	}
	if capturedBody.SystemInstruction.Parts[0].Text != "You are a resume extractor." {
		t.Errorf("unexpected systemInstruction text %q", capturedBody.SystemInstruction.Parts[0].Text)
	}
	if len(capturedBody.Contents) != 1 || capturedBody.Contents[0].Role != "user" {
		t.Errorf("expected a single user content, got %+v", capturedBody.Contents)
	}
}

func TestAdapter_GenerateMultimodal_InlineData(t *testing.T) {
	var capturedBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("a scanned resume"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	res, err := a.GenerateMultimodal(context.Background(), &providers.Request{
		Prompt:    "extract the fields",
		Image:     []byte{0xff, 0xd8, 0xff},
		ImageMIME: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "a scanned resume" {
		t.Errorf("unexpected text %q", res.Text)
	}

	if len(capturedBody.Contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(capturedBody.Contents))
	}
	var sawImage, sawText bool
	for _, p := range capturedBody.Contents[0].Parts {
		if p.InlineData != nil && p.InlineData.MimeType == "image/jpeg" {
			sawImage = true
		}
		if p.Text == "extract the fields" {
			sawText = true
		}
	}
	if !sawImage {
		t.Error("expected an inlineData image part")
	}
	if !sawText {
		t.Error("expected the prompt text part")
	}
}

func TestAdapter_GenerateMultimodal_NoImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.GenerateMultimodal(context.Background(), &providers.Request{Prompt: "hi"})
	if providers.KindOf(err) != providers.ErrMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestAdapter_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error":{"code":403,"message":"API key not valid.","status":"PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.GenerateText(context.Background(), &providers.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for 403, got nil")
	}
	if providers.KindOf(err) != providers.ErrBadCredential {
		t.Errorf("expected bad_credential, got %v", providers.KindOf(err))
	}
}

func TestAdapter_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.GenerateText(context.Background(), &providers.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}
	if providers.KindOf(err) != providers.ErrUnavailable {
		t.Errorf("expected unavailable, got %v", providers.KindOf(err))
	}
}

func TestAdapter_EmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponse{})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.GenerateText(context.Background(), &providers.Request{Prompt: "hi"})
	if providers.KindOf(err) != providers.ErrMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestAdapter_ValidateCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models") {
			t.Errorf("expected models path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"models":[{"name":"models/gemini-2.5-flash"}]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	if err := a.ValidateCredentials(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- local JSON shapes used by tests (request capture + response stubs) ---

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}
