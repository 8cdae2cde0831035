// Package repository реализует хранилище данных на основе PostgreSQL
// для учёта принципалов, токенов и заданий декодирования. Все изменения
// баланса выполняются единой SQL-транзакцией с блокировкой строки
// кошелька; других путей записи к балансу не существует.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound возвращается, когда запрошенная запись отсутствует.
var ErrNotFound = errors.New("not found")

// ErrInsufficientTokens возвращается при попытке списать больше токенов,
// чем есть на балансе. Это ожидаемый бизнес-результат, а не сбой системы.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// Storage инкапсулирует соединение с базой данных PostgreSQL
// и реализует методы работы с принципалами, кошельками и заданиями.
type Storage struct {
	DB *sql.DB
}

// New создаёт подключение к PostgreSQL.
func New(storageConnectionString string) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		DB: db,
	}, nil
}

// CheckDatabaseReady проверяет готовность базы данных.
func (s *Storage) CheckDatabaseReady(ctx context.Context) error {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (
        SELECT FROM information_schema.tables
        WHERE table_name = 'entitlements'
    )`).Scan(&exists)
	if err != nil || !exists {
		return fmt.Errorf("required table entitlements missing or query error: %w", err)
	}
	return nil
}
