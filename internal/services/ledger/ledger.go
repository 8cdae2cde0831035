// Package ledger реализует бизнес-логику токен-кошелька поверх
// репозитория: чтение баланса с кэшем в Redis, списание с защитой от
// повторов, начисления и возвраты.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

// Repository описывает операции хранилища, нужные кошельку.
type Repository interface {
	GetBalance(ctx context.Context, principalUID string) (int, error)
	GetEntitlement(ctx context.Context, principalUID string) (*models.Entitlement, error)
	Spend(ctx context.Context, principalUID string, cost int, idemKey string) (int, error)
	Grant(ctx context.Context, principalUID string, amount int, kind string) (int, error)
	Refund(ctx context.Context, principalUID string, amount int, idemKey string) (int, error)
	ListTransactions(ctx context.Context, principalUID string, limit int) ([]*models.Transaction, error)
	EnsureAccount(ctx context.Context, authSubject string, welcomeGrant int) (string, error)
}

// Cache — подмножество кэша, достаточное для хранения балансов.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

const balanceTTL = 30 * time.Second

type Service struct {
	repo         Repository
	cache        Cache
	log          *slog.Logger
	welcomeGrant int
}

func New(repo Repository, cache Cache, log *slog.Logger, welcomeGrant int) *Service {
	return &Service{
		repo:         repo,
		cache:        cache,
		log:          log,
		welcomeGrant: welcomeGrant,
	}
}

func balanceKey(uid string) string {
	return "balance:" + uid
}

// EnsureAccount создаёт принципала и его кошелёк при первом входе и
// начисляет приветственные токены ровно один раз.
func (s *Service) EnsureAccount(ctx context.Context, authSubject string) (string, error) {
	const op = "services.ledger.EnsureAccount"

	uid, err := s.repo.EnsureAccount(ctx, authSubject, s.welcomeGrant)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	s.dropCachedBalance(uid)
	return uid, nil
}

// GetBalance возвращает баланс, по возможности из кэша. Ошибки кэша не
// фатальны: источником истины остаётся база.
func (s *Service) GetBalance(ctx context.Context, principalUID string) (int, error) {
	const op = "services.ledger.GetBalance"

	var cached int
	if found, err := s.cache.Get(balanceKey(principalUID), &cached); err == nil && found {
		return cached, nil
	}

	balance, err := s.repo.GetBalance(ctx, principalUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.cache.Set(balanceKey(principalUID), balance, balanceTTL); err != nil {
		s.log.Warn("не удалось закэшировать баланс", sl.Err(err))
	}
	return balance, nil
}

// GetPlan возвращает тарифный план принципала. Отсутствующий кошелёк
// трактуется как базовый план free.
func (s *Service) GetPlan(ctx context.Context, principalUID string) (string, error) {
	const op = "services.ledger.GetPlan"

	entitlement, err := s.repo.GetEntitlement(ctx, principalUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.PlanFree, nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return entitlement.Plan, nil
}

// Spend атомарно списывает cost токенов. Повторный вызов с тем же
// idemKey не списывает повторно и возвращает текущий баланс.
func (s *Service) Spend(ctx context.Context, principalUID string, cost int, idemKey string) (int, error) {
	const op = "services.ledger.Spend"

	balance, err := s.repo.Spend(ctx, principalUID, cost, idemKey)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.dropCachedBalance(principalUID)
	return balance, nil
}

// Grant начисляет токены указанного вида (grant или monthly_grant).
func (s *Service) Grant(ctx context.Context, principalUID string, amount int, kind string) (int, error) {
	const op = "services.ledger.Grant"

	balance, err := s.repo.Grant(ctx, principalUID, amount, kind)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.dropCachedBalance(principalUID)
	return balance, nil
}

// Refund возвращает токены за неудавшееся списание. idemKey связывает
// возврат с исходным списанием для сверки.
func (s *Service) Refund(ctx context.Context, principalUID string, amount int, idemKey string) (int, error) {
	const op = "services.ledger.Refund"

	balance, err := s.repo.Refund(ctx, principalUID, amount, idemKey)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	s.dropCachedBalance(principalUID)
	return balance, nil
}

// ListTransactions возвращает последние операции кошелька, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, principalUID string, limit int) ([]*models.Transaction, error) {
	const op = "services.ledger.ListTransactions"

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	list, err := s.repo.ListTransactions(ctx, principalUID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return list, nil
}

func (s *Service) dropCachedBalance(principalUID string) {
	if err := s.cache.Invalidate(balanceKey(principalUID)); err != nil {
		s.log.Warn("не удалось сбросить кэш баланса", sl.Err(err))
	}
}
