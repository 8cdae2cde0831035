// Package normalizer приводит сырой текст ответа модели к каноничной
// структуре результата декодирования. Модели регулярно оборачивают JSON
// в markdown-заборы, добавляют висячие запятые и отдают устаревшую форму
// полей, поэтому разбор идёт по лестнице ремонтов: каждая следующая
// ступень агрессивнее предыдущей.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Bashocodes/aikizi-sub001/internal/metrics"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

// ErrUnparsable возвращается, когда ни одна ступень ремонта не дала
// валидный JSON-объект.
var ErrUnparsable = errors.New("response is not parsable as a decode result")

const previewLimit = 160

// Normalizer привязан к логгеру, чтобы фиксировать, какая ступень
// ремонта сработала и когда результат вышел полностью пустым.
type Normalizer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// rawResult принимает и каноничную, и устаревшую форму ответа: неизвестные
// поля игнорируются, известные сводятся в models.DecodeResult.
type rawResult struct {
	StyleCodes []string `json:"styleCodes"`
	SrefCodes  []string `json:"srefCodes"`
	Tags       []string `json:"tags"`
	Subjects   []string `json:"subjects"`
	Prompts    *struct {
		Story  string `json:"story"`
		Mix    string `json:"mix"`
		Expand string `json:"expand"`
		Sound  string `json:"sound"`
	} `json:"prompts"`

	// Устаревшая развёрнутая форма.
	Title        string   `json:"title"`
	Style        string   `json:"style"`
	KeyTokens    []string `json:"keyTokens"`
	StoryPrompt  string   `json:"storyPrompt"`
	MixPrompt    string   `json:"mixPrompt"`
	ExpandPrompt string   `json:"expandPrompt"`
	SoundPrompt  string   `json:"soundPrompt"`
}

// Normalize превращает сырой текст модели в каноничный результат.
// Паника исключена: любой мусор либо чинится, либо превращается в
// ErrUnparsable с коротким превью исходного текста.
func (n *Normalizer) Normalize(raw string) (models.DecodeResult, error) {
	const op = "normalizer.Normalize"

	parsed, stage, err := parseWithRepairs(raw)
	if err != nil {
		return models.DecodeResult{}, fmt.Errorf("%s: %w: %s", op, ErrUnparsable, preview(raw))
	}
	if stage > 0 {
		n.log.Debug("ответ модели потребовал ремонта", slog.Int("stage", stage))
	}

	result := coerce(parsed)
	if result.IsEmpty() {
		metrics.EmptyNormalizedResults.Inc()
		n.log.Warn("нормализованный результат полностью пуст", slog.String("preview", preview(raw)))
	}
	return result, nil
}

// parseWithRepairs пробует ступени ремонта по возрастанию агрессивности
// и возвращает номер сработавшей ступени.
func parseWithRepairs(raw string) (rawResult, int, error) {
	candidates := []func(string) string{
		func(s string) string { return s },
		stripFences,
		sliceBraces,
		scrub,
	}

	var parsed rawResult
	var lastErr error
	for stage, repair := range candidates {
		candidate := strings.TrimSpace(repair(raw))
		if candidate == "" {
			lastErr = errors.New("empty candidate")
			continue
		}
		parsed = rawResult{}
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			// Несовпадение типа отдельного поля не делает ответ мусором:
			// остальные поля уже разобраны, несовпавшее остаётся пустым.
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && typeErr.Field != "" {
				return parsed, stage, nil
			}
			lastErr = err
			// Следующая ступень работает уже над результатом текущей.
			raw = candidate
			continue
		}
		return parsed, stage, nil
	}
	return rawResult{}, 0, lastErr
}

// stripFences убирает обрамляющие markdown-заборы ```json ... ``` и
// одиночные обратные кавычки.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
			head := strings.TrimSpace(s[:idx])
			// Языковая метка вида "json" на первой строке.
			if head != "" && !strings.ContainsAny(head, "{}") {
				s = s[idx:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.Trim(strings.TrimSpace(s), "`")
}

// sliceBraces вырезает текст между первой '{' и последней '}' —
// модели любят окружать JSON пояснительным текстом.
func sliceBraces(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// scrub убирает висячие запятые перед закрывающими скобками и
// неэкранированные управляющие символы внутри строк.
func scrub(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case c == '"':
				inString = false
				b.WriteByte(c)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\t':
				b.WriteString(`\t`)
			case c < 0x20:
				// Прочие управляющие символы просто выбрасываем.
			default:
				b.WriteByte(c)
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			if next := nextNonSpace(s, i+1); next == '}' || next == ']' {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func nextNonSpace(s string, from int) byte {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return s[i]
		}
	}
	return 0
}

// coerce сводит разобранную форму к каноничной: устаревшие поля
// отображаются в новые, отсутствующие заполняются пустыми значениями.
func coerce(p rawResult) models.DecodeResult {
	result := models.DecodeResult{
		StyleCodes: cleanList(p.StyleCodes),
		Tags:       cleanList(p.Tags),
		Subjects:   cleanList(p.Subjects),
	}
	if len(result.StyleCodes) == 0 {
		result.StyleCodes = cleanList(p.SrefCodes)
	}
	if p.Prompts != nil {
		result.Prompts = models.PromptBundle{
			Story:  strings.TrimSpace(p.Prompts.Story),
			Mix:    strings.TrimSpace(p.Prompts.Mix),
			Expand: strings.TrimSpace(p.Prompts.Expand),
			Sound:  strings.TrimSpace(p.Prompts.Sound),
		}
	}

	// Устаревшая развёрнутая форма: keyTokens становятся тегами,
	// заголовок и стиль складываются туда же, промпты берутся из
	// плоских полей, если вложенный объект их не принёс.
	if len(result.Tags) == 0 {
		result.Tags = cleanList(p.KeyTokens)
	}
	for _, extra := range []string{p.Style, p.Title} {
		extra = strings.TrimSpace(extra)
		if extra != "" && !contains(result.Tags, extra) {
			result.Tags = append(result.Tags, extra)
		}
	}
	if result.Prompts.Story == "" {
		result.Prompts.Story = strings.TrimSpace(p.StoryPrompt)
	}
	if result.Prompts.Mix == "" {
		result.Prompts.Mix = strings.TrimSpace(p.MixPrompt)
	}
	if result.Prompts.Expand == "" {
		result.Prompts.Expand = strings.TrimSpace(p.ExpandPrompt)
	}
	if result.Prompts.Sound == "" {
		result.Prompts.Sound = strings.TrimSpace(p.SoundPrompt)
	}

	if result.StyleCodes == nil {
		result.StyleCodes = []string{}
	}
	if result.Tags == nil {
		result.Tags = []string{}
	}
	if result.Subjects == nil {
		result.Subjects = []string{}
	}
	return result
}

func cleanList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// preview обрезает сырой текст до безопасной для логов длины.
func preview(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > previewLimit {
		raw = raw[:previewLimit] + "..."
	}
	return raw
}
