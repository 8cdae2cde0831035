// Package provider реализует шлюз к внешним vision-моделям (OpenAI, Gemini).
// Шлюз строит один мультимодальный запрос (инструкция + изображение) и
// возвращает сырой текстовый ответ модели без какой-либо валидации JSON.
package provider

import "errors"

// Таксономия ошибок внешних провайдеров.
var (
	// ErrProviderUnavailable — сетевые сбои, 5xx и 408/429 провайдера.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderTimeout — превышен таймаут или сработал сигнал отмены.
	ErrProviderTimeout = errors.New("provider call timed out")
	// ErrProviderRejected — 4xx провайдера: плохое изображение, плохой ключ.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrEmptyResponse — 2xx без извлекаемого текста.
	ErrEmptyResponse = errors.New("provider returned empty response")
	// ErrUnknownModel — идентификатор модели вне статической таблицы.
	ErrUnknownModel = errors.New("unknown model")
	// ErrConfiguration — отсутствует ключ API нужного провайдера.
	ErrConfiguration = errors.New("provider configuration error")
)
