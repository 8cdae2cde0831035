package models

import "time"

// Статусы задания декодирования. Переходы допускаются только вперёд по
// цепочке queued -> running -> normalizing -> saving -> completed;
// альтернативные выходы: failed из running|normalizing|saving и canceled из queued.
const (
	JobStatusQueued      = "queued"
	JobStatusRunning     = "running"
	JobStatusNormalizing = "normalizing"
	JobStatusSaving      = "saving"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
	JobStatusCanceled    = "canceled"
)

// IsTerminalJobStatus сообщает, является ли статус конечным.
// Конечные статусы неизменяемы.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// DecodeJob представляет одно задание на разбор изображения внешней моделью.
type DecodeJob struct {
	ID              string        // Идентификатор задания (uuid)
	PrincipalUID    string        // Владелец задания
	Model           string        // Идентификатор модели из запроса
	Status          string        // Текущий статус машины состояний
	AttemptCount    int           // Количество попыток обработки
	IdemKey         string        // Ключ идемпотентности списания
	Result          *DecodeResult // Результат, заполняется только при completed
	ErrorText       string        // Текст ошибки, заполняется только при failed
	CancelRequested bool          // Запрошена ли отмена
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PromptBundle содержит четыре текстовых подсказки, извлекаемых из изображения.
type PromptBundle struct {
	Story  string `json:"story"`
	Mix    string `json:"mix"`
	Expand string `json:"expand"`
	Sound  string `json:"sound"`
}

// DecodeResult — каноническая схема нормализованного ответа модели.
type DecodeResult struct {
	StyleCodes []string     `json:"styleCodes"`
	Tags       []string     `json:"tags"`
	Subjects   []string     `json:"subjects"`
	Prompts    PromptBundle `json:"prompts"`
}

// IsEmpty сообщает, что все поля результата пусты. Такой результат не
// считается ошибкой, но учитывается отдельной метрикой: он означает,
// что модель ответила вне ожидаемой схемы.
func (r *DecodeResult) IsEmpty() bool {
	return len(r.StyleCodes) == 0 && len(r.Tags) == 0 && len(r.Subjects) == 0 &&
		r.Prompts.Story == "" && r.Prompts.Mix == "" && r.Prompts.Expand == "" && r.Prompts.Sound == ""
}

// DummyImage используется для приёма изображения из JSON-запроса:
// либо base64 с mime-типом, либо внешний URL.
type DummyImage struct {
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DummyDecodeRequest используется для приёма запроса декодирования из JSON,
// прежде чем конвертировать его в вызов координатора.
type DummyDecodeRequest struct {
	Image DummyImage `json:"image" validate:"required"`
	Model string     `json:"model" validate:"required"`
}

// DecodeTask — сообщение очереди для асинхронной обработки задания.
// Изображение едет в сообщении, а не в строке задания: после обработки
// хранить его незачем.
type DecodeTask struct {
	JobID string     `json:"job_id"`
	Image DummyImage `json:"image"`
	Model string     `json:"model"`
}
