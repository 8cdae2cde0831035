package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type openAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaMessage struct {
	Role    string          `json:"role"`
	Content []oaContentPart `json:"content"`
}

type oaRequest struct {
	Model    string      `json:"model"`
	Messages []oaMessage `json:"messages"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) decode(ctx context.Context, image Image, modelID string) (string, error) {
	const op = "provider.openai.decode"

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: missing api key: %w", op, ErrConfiguration)
	}

	imageURL := image.URL
	if imageURL == "" {
		imageURL = "data:" + image.MimeType + ";base64," + image.Base64
	}

	body, err := json.Marshal(oaRequest{
		Model: modelID,
		Messages: []oaMessage{{
			Role: "user",
			Content: []oaContentPart{
				{Type: "text", Text: decodePrompt},
				{Type: "image_url", ImageURL: &oaImageURL{URL: imageURL}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, classifyTransport(ctx, err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("%s: %w", op, classifyStatus(resp.StatusCode, strings.TrimSpace(string(slurp))))
	}

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%s: decode body: %w", op, ErrEmptyResponse)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s: %w", op, ErrEmptyResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}
