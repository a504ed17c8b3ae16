package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jupark12/recipe-ingest/models"
)

const (
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultOpenAIModel    = "gpt-4o-mini"
)

const systemPrompt = "You are a recipe extractor. Extract structured recipe data from the provided content. Output strictly valid JSON."

const recipePrompt = `Creator: %s
Caption: %q
Media: %s

Return this JSON:
{
    "title": "Recipe Title",
    "prep_time_minutes": 10,
    "cook_time_minutes": 20,
    "ingredients": [{"item": "name", "quantity": "1", "unit": "cup"}],
    "steps": ["Step 1", "Step 2"],
    "tags": ["tag1"]
}

Rules:
- Handle emojis and casual language. Convert to standard culinary terms.
- Use the images to identify ingredients and steps the caption leaves out.
- Only return "NO_RECIPE_FOUND" if the post is completely unrelated to cooking or food.`

const maxPromptImages = 5

// OpenAIAnalyzer extracts recipes with an OpenAI compatible chat completions
// endpoint in JSON mode.
type OpenAIAnalyzer struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

func NewOpenAIAnalyzer(apiKey, endpoint, model string, logger *slog.Logger) *OpenAIAnalyzer {
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAnalyzer{
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		client:   defaultHTTPClient,
		logger:   logger,
	}
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, content *models.ScrapedContent) (*models.Recipe, error) {
	body, err := json.Marshal(a.request(content))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnsupported, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	a.logger.Debug("sending analyze request", "model", a.model, "url", content.URL, "images", min(len(content.ImageURLs), maxPromptImages))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %w", ErrMalformedOutput, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", ErrMalformedOutput)
	}
	return ParseRecipe(out.Choices[0].Message.Content)
}

func (a *OpenAIAnalyzer) request(content *models.ScrapedContent) chatRequest {
	media := content.MediaURL
	if media == "" {
		media = "N/A"
	}
	parts := []chatPart{{
		Type: "text",
		Text: fmt.Sprintf(recipePrompt, content.Author, content.Caption, media),
	}}
	for i, u := range content.ImageURLs {
		if i == maxPromptImages {
			break
		}
		parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: u}})
	}

	return chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: parts},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      2000,
	}
}
