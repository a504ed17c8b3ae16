package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jupark12/recipe-ingest/models"
)

func TestOpenAIAnalyzer(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.Unmarshal(raw["model"], &got.Model)
		_ = json.Unmarshal(raw["response_format"], &got.ResponseFormat)

		content := `{"title":"Pasta","ingredients":[{"item":"flour","quantity":"200","unit":"g"}],"steps":["Mix","Boil"]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	defer srv.Close()

	a := NewOpenAIAnalyzer("key", srv.URL, "", nil)
	recipe, err := a.Analyze(context.Background(), &models.ScrapedContent{
		URL:       "https://instagram.com/p/1",
		Caption:   "pasta!",
		ImageURLs: []string{"a", "b", "c", "d", "e", "f", "g"},
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if recipe.Name != "Pasta" || recipe.Ingredients[0].Amount != "200 g" {
		t.Fatalf("recipe = %+v", recipe)
	}
	if got.Model != DefaultOpenAIModel || got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("request = %+v", got)
	}
}

func TestOpenAIAnalyzerRequestCapsImages(t *testing.T) {
	a := NewOpenAIAnalyzer("key", "", "", nil)
	req := a.request(&models.ScrapedContent{Caption: "c", ImageURLs: []string{"1", "2", "3", "4", "5", "6"}})
	parts, ok := req.Messages[1].Content.([]chatPart)
	if !ok {
		t.Fatalf("user content type = %T", req.Messages[1].Content)
	}
	if len(parts) != 1+maxPromptImages {
		t.Fatalf("parts = %d, want %d", len(parts), 1+maxPromptImages)
	}
}

func TestOpenAIAnalyzerErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"server error", http.StatusInternalServerError, `{}`, ErrUnavailable},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrMalformedOutput},
		{"not json", http.StatusOK, `<html>`, ErrMalformedOutput},
		{"no recipe", http.StatusOK, `{"choices":[{"message":{"content":"NO_RECIPE_FOUND"}}]}`, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIAnalyzer("key", srv.URL, "m", nil).Analyze(context.Background(), &models.ScrapedContent{Caption: "x"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Analyze() error = %v, want %v", err, tt.want)
			}
		})
	}
}
