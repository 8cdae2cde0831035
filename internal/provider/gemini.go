package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type geminiClient struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	fetchTimeout time.Duration
}

type gmInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type gmPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *gmInlineData `json:"inline_data,omitempty"`
}

type gmContent struct {
	Parts []gmPart `json:"parts"`
}

type gmRequest struct {
	Contents []gmContent `json:"contents"`
}

type gmResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *geminiClient) decode(ctx context.Context, image Image, modelID string) (string, error) {
	const op = "provider.gemini.decode"

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: missing api key: %w", op, ErrConfiguration)
	}

	data, mimeType := image.Base64, image.MimeType
	if data == "" {
		// generateContent не принимает произвольные URL: изображение
		// скачивается и передается как inline-данные.
		var err error
		data, mimeType, err = c.fetchImage(ctx, image.URL)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	body, err := json.Marshal(gmRequest{
		Contents: []gmContent{{
			Parts: []gmPart{
				{Text: decodePrompt},
				{InlineData: &gmInlineData{MimeType: mimeType, Data: data}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.baseURL, "/"), modelID, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
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

	var parsed gmResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%s: decode body: %w", op, ErrEmptyResponse)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s: %w", op, ErrEmptyResponse)
	}
	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%s: %w", op, ErrEmptyResponse)
	}
	return sb.String(), nil
}

// fetchImage скачивает изображение по URL и возвращает его base64 и mime-тип.
func (c *geminiClient) fetchImage(ctx context.Context, url string) (string, string, error) {
	const op = "provider.gemini.fetchImage"

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("%s: %v: %w", op, err, ErrProviderRejected)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, classifyTransport(ctx, err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%s: image fetch status %d: %w", op, resp.StatusCode, ErrProviderRejected)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, classifyTransport(ctx, err))
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(raw), mimeType, nil
}
