// Package client — Go-клиент API декодирования. Отправляет изображение,
// опрашивает задание до конечного статуса и скрывает от вызывающего кода
// обновление токена доступа.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

var (
	// ErrReauthRequired возвращается, когда токен доступа не удалось
	// обновить молча и пользователь должен войти заново.
	ErrReauthRequired = errors.New("reauthentication required")
	// ErrImageTooLarge возвращается для изображений больше лимита.
	ErrImageTooLarge = errors.New("image exceeds the size limit")
	// ErrUnsupportedImageType возвращается для изображений вне списка
	// поддерживаемых форматов.
	ErrUnsupportedImageType = errors.New("unsupported image type")
	// ErrInsufficientTokens возвращается при отказе из-за пустого кошелька.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrPollTimeout возвращается, когда задание не достигло конечного
	// статуса за отведенное число опросов.
	ErrPollTimeout = errors.New("job did not finish in time")
	// ErrJobFailed возвращается, когда задание завершилось ошибкой.
	ErrJobFailed = errors.New("decode job failed")
	// ErrJobCanceled возвращается, когда задание было отменено.
	ErrJobCanceled = errors.New("decode job canceled")
)

// maxImageBytes — предел размера изображения до кодирования в base64.
const maxImageBytes = 25 << 20

var supportedMimeTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// TokenSource выдает токен доступа и умеет обновлять его молча.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client — HTTP-клиент API декодирования.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenSource
	pollInterval time.Duration
	maxPolls     int
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет транспорт, например в тестах.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPolling задает интервал и число опросов статуса.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPolls = maxPolls
	}
}

// New создает клиент для API по базовому адресу.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		tokens:       tokens,
		pollInterval: 1500 * time.Millisecond,
		maxPolls:     120,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account описывает результат создания аккаунта.
type Account struct {
	PrincipalUID  string `json:"principal_uid"`
	TokensBalance int    `json:"tokens_balance"`
}

type envelope struct {
	Status string          `json:"status"`
	Code   string          `json:"code"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

type jobState struct {
	JobID     string               `json:"job_id"`
	Status    string               `json:"status"`
	Result    *models.DecodeResult `json:"result"`
	ErrorText string               `json:"error"`
}

// EnsureAccount создает аккаунт при первом входе и возвращает uid и баланс.
func (c *Client) EnsureAccount(ctx context.Context) (*Account, error) {
	const op = "client.EnsureAccount"
	var account Account
	if err := c.call(ctx, http.MethodPost, "/api/v1/account/ensure", nil, "", &account); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &account, nil
}

// Balance возвращает текущий баланс токенов.
func (c *Client) Balance(ctx context.Context) (int, error) {
	const op = "client.Balance"
	var data struct {
		TokensBalance int `json:"tokens_balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/wallet/balance", nil, "", &data); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return data.TokensBalance, nil
}

// Decode отправляет изображение и ждет конечного статуса задания.
// Изображение проверяется на размер и формат до обращения к серверу.
// idemKey защищает от двойного списания при сетевых повторах.
func (c *Client) Decode(ctx context.Context, image models.DummyImage, model, idemKey string) (*models.DecodeResult, error) {
	const op = "client.Decode"

	if err := validateImage(image); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	body := models.DummyDecodeRequest{Image: image, Model: model}
	var submitted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/decode", body, idemKey, &submitted); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	state, err := c.waitForJob(ctx, submitted.JobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch state.Status {
	case models.JobStatusCompleted:
		return state.Result, nil
	case models.JobStatusCanceled:
		return nil, fmt.Errorf("%s: %w", op, ErrJobCanceled)
	default:
		return nil, fmt.Errorf("%s: %w: %s", op, ErrJobFailed, state.ErrorText)
	}
}

// Status возвращает текущее состояние задания без ожидания.
func (c *Client) Status(ctx context.Context, jobID string) (string, error) {
	const op = "client.Status"
	var state jobState
	if err := c.call(ctx, http.MethodGet, "/api/v1/decode/status?id="+url.QueryEscape(jobID), nil, "", &state); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return state.Status, nil
}

// Cancel запрашивает отмену задания и возвращает его статус после запроса.
func (c *Client) Cancel(ctx context.Context, jobID string) (string, error) {
	const op = "client.Cancel"
	var state jobState
	path := "/api/v1/decode/status?id=" + url.QueryEscape(jobID) + "&cancel=1"
	if err := c.call(ctx, http.MethodGet, path, nil, "", &state); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return state.Status, nil
}

func (c *Client) waitForJob(ctx context.Context, jobID string) (*jobState, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for i := 0; i < c.maxPolls; i++ {
		var state jobState
		err := c.call(ctx, http.MethodGet, "/api/v1/decode/status?id="+url.QueryEscape(jobID), nil, "", &state)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalJobStatus(state.Status) {
			return &state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, ErrPollTimeout
}

func validateImage(image models.DummyImage) error {
	if image.URL != "" {
		return nil
	}
	if image.MimeType != "" {
		if _, ok := supportedMimeTypes[image.MimeType]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedImageType, image.MimeType)
		}
	}
	decodedLen := base64.StdEncoding.DecodedLen(len(image.Base64))
	if decodedLen > maxImageBytes {
		return fmt.Errorf("%w: %d bytes", ErrImageTooLarge, decodedLen)
	}
	return nil
}

// call выполняет запрос с токеном доступа. На 401 токен обновляется
// молча ровно один раз; повторный 401 означает ErrReauthRequired.
func (c *Client) call(ctx context.Context, method, path string, body any, idemKey string, dest any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, method, path, body, idemKey, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return errors.Join(ErrReauthRequired, err)
		}
		resp, err = c.do(ctx, method, path, body, idemKey, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return ErrReauthRequired
		}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Status != "OK" {
		if env.Code == "insufficient_tokens" {
			return fmt.Errorf("%w: %s", ErrInsufficientTokens, env.Error)
		}
		return fmt.Errorf("server error %s: %s", env.Code, env.Error)
	}
	if dest != nil {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return fmt.Errorf("unexpected response data: %w", err)
		}
	}
	return nil
}

type rawResponse struct {
	StatusCode int
	Body       []byte
}

func (c *Client) do(ctx context.Context, method, path string, body any, idemKey, token string) (*rawResponse, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: buf.Bytes()}, nil
}
