package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/config"
	"github.com/Bashocodes/aikizi-sub001/internal/metrics"
)

// Kind — провайдер модели. Диспетчеризация по Kind исчерпывающая:
// распознавание строкового идентификатора происходит один раз,
// на границе API, через статическую таблицу.
type Kind int

const (
	KindOpenAI Kind = iota
	KindGemini
)

func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindGemini:
		return "gemini"
	}
	return "unknown"
}

// Model — разобранный идентификатор модели.
type Model struct {
	Kind Kind
	ID   string
}

// models — статическая таблица поддерживаемых моделей.
var models = map[string]Model{
	"gpt-4o":           {Kind: KindOpenAI, ID: "gpt-4o"},
	"gpt-4o-mini":      {Kind: KindOpenAI, ID: "gpt-4o-mini"},
	"gemini-2.5-flash": {Kind: KindGemini, ID: "gemini-2.5-flash"},
	"gemini-2.5-pro":   {Kind: KindGemini, ID: "gemini-2.5-pro"},
}

// ResolveModel переводит строковый идентификатор модели из запроса
// в типизированный Model.
func ResolveModel(id string) (Model, error) {
	m, ok := models[id]
	if !ok {
		return Model{}, fmt.Errorf("model %q: %w", id, ErrUnknownModel)
	}
	return m, nil
}

// Image — изображение запроса: либо base64 с mime-типом, либо URL.
type Image struct {
	Base64   string
	MimeType string
	URL      string
}

// decodePrompt — инструкция модели: извлечь стилистические метаданные
// изображения строго в JSON канонической схемы.
const decodePrompt = `Analyze the image and return ONLY a JSON object with this exact shape:
{"styleCodes":["--sref <code>"],"tags":["<style tag>"],"subjects":["<subject>"],` +
	`"prompts":{"story":"<story prompt>","mix":"<mix prompt>","expand":"<expand prompt>","sound":"<sound prompt>"}}
Do not wrap the JSON in markdown fences and do not add commentary.`

// Gateway — шлюз к внешним vision-моделям.
type Gateway struct {
	openai *openAIClient
	gemini *geminiClient
	log    *slog.Logger
}

// NewGateway создает шлюз с клиентами обоих провайдеров.
// Отсутствующий ключ обнаруживается при вызове, не при старте:
// сервис с одним настроенным провайдером остаётся работоспособным.
func NewGateway(cfg config.Providers, log *slog.Logger) *Gateway {
	httpClient := &http.Client{}
	return &Gateway{
		openai: &openAIClient{
			apiKey:     cfg.OpenAIAPIKey,
			baseURL:    cfg.OpenAIBaseURL,
			httpClient: httpClient,
		},
		gemini: &geminiClient{
			apiKey:       cfg.GeminiAPIKey,
			baseURL:      cfg.GeminiBaseURL,
			httpClient:   httpClient,
			fetchTimeout: cfg.MetadataTimeout,
		},
		log: log,
	}
}

// Decode выполняет один вызов модели и возвращает сырой текст ответа.
// Таймаут и отмена приходят через контекст; отмена прерывает сам
// исходящий запрос, а не только игнорирует его результат.
func (g *Gateway) Decode(ctx context.Context, image Image, model Model) (string, error) {
	const op = "provider.Gateway.Decode"

	start := time.Now()
	var raw string
	var err error
	switch model.Kind {
	case KindOpenAI:
		raw, err = g.openai.decode(ctx, image, model.ID)
	case KindGemini:
		raw, err = g.gemini.decode(ctx, image, model.ID)
	default:
		err = fmt.Errorf("%s: %w", op, ErrUnknownModel)
	}

	metrics.ProviderCallDuration.WithLabelValues(model.Kind.String(), outcomeLabel(err)).
		Observe(time.Since(start).Seconds())

	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return raw, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrProviderRejected):
		return "rejected"
	case errors.Is(err, ErrEmptyResponse):
		return "empty"
	default:
		return "unavailable"
	}
}

// classifyTransport сводит транспортные ошибки запроса к таксономии пакета.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		ctx.Err() != nil {
		return fmt.Errorf("%v: %w", err, ErrProviderTimeout)
	}
	return fmt.Errorf("%v: %w", err, ErrProviderUnavailable)
}

// classifyStatus сводит неуспешные HTTP-статусы провайдера к таксономии пакета.
func classifyStatus(status int, body string) error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status/100 == 5 {
		return fmt.Errorf("upstream %d: %s: %w", status, body, ErrProviderUnavailable)
	}
	return fmt.Errorf("upstream %d: %s: %w", status, body, ErrProviderRejected)
}
