// Package retry реализует единую политику повторов с ограниченным числом
// попыток и фиксированной задержкой. Используется вместо разрозненных
// циклов повторов в местах вызова (подключение к RabbitMQ, загрузка JWKS).
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy описывает ограниченную политику повторов.
type Policy struct {
	Attempts int           // Максимальное число попыток, минимум 1
	Delay    time.Duration // Пауза между попытками
}

// Do выполняет fn до первого успеха, но не более Attempts раз.
// Между попытками выдерживается Delay; отмена контекста прерывает ожидание.
// Возвращается ошибка последней попытки.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	const op = "retry.Do"

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
