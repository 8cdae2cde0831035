package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

// GetBalance возвращает текущий баланс токенов принципала.
// Отсутствующий кошелёк трактуется как нулевой баланс.
func (s *Storage) GetBalance(ctx context.Context, uid string) (int, error) {
	const op = "storage.GetBalance"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var balance int
	err := s.DB.QueryRowContext(ctx,
		`SELECT tokens_balance FROM entitlements WHERE principal_uid = $1`, uid).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// Spend идемпотентно списывает cost токенов. Если spend-проводка с парой
// (uid, idemKey) уже существует, повтор ничего не меняет и возвращает
// текущий баланс. Проверка достаточности и само списание выполняются под
// блокировкой строки кошелька, конкурирующие списания сериализуются.
// При нехватке токенов возвращается ErrInsufficientTokens и никакие
// данные не меняются.
func (s *Storage) Spend(ctx context.Context, uid string, cost int, idemKey string) (int, error) {
	const op = "storage.Spend"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	if cost <= 0 {
		return 0, fmt.Errorf("%s: cost must be positive, got %d", op, cost)
	}
	if idemKey == "" {
		return 0, fmt.Errorf("%s: idemKey must not be empty", op)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT tokens_balance FROM entitlements WHERE principal_uid = $1 FOR UPDATE`,
		uid).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, ErrInsufficientTokens)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var replayed bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE principal_uid = $1 AND idem_key = $2 AND kind = $3
		 )`, uid, idemKey, models.TxKindSpend).Scan(&replayed)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if replayed {
		// Повтор того же логического запроса: без мутаций, тот же результат.
		if err = tx.Commit(); err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		return balance, nil
	}

	if balance < cost {
		return 0, fmt.Errorf("%s: %w", op, ErrInsufficientTokens)
	}

	newBalance := balance - cost
	_, err = tx.ExecContext(ctx,
		`UPDATE entitlements SET tokens_balance = $1 WHERE principal_uid = $2`,
		newBalance, uid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (principal_uid, kind, amount, idem_key)
		 VALUES ($1, $2, $3, $4)`,
		uid, models.TxKindSpend, -cost, idemKey)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newBalance, nil
}

// Grant атомарно начисляет amount токенов с проводкой указанного вида
// и возвращает новый баланс.
func (s *Storage) Grant(ctx context.Context, uid string, amount int, kind string) (int, error) {
	const op = "storage.Grant"
	if kind != models.TxKindGrant && kind != models.TxKindWelcomeGrant && kind != models.TxKindMonthlyGrant {
		return 0, fmt.Errorf("%s: unexpected grant kind %q", op, kind)
	}
	return s.credit(ctx, op, uid, amount, kind, "")
}

// Refund атомарно возвращает amount токенов, семантически отменяя прежнее
// списание. Проводка возврата несёт ключ идемпотентности исходного
// списания, чтобы пары spend/refund сверялись по журналу.
func (s *Storage) Refund(ctx context.Context, uid string, amount int, idemKey string) (int, error) {
	const op = "storage.Refund"
	return s.credit(ctx, op, uid, amount, models.TxKindRefund, idemKey)
}

func (s *Storage) credit(ctx context.Context, op, uid string, amount int, kind, idemKey string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%s: amount must be positive, got %d", op, amount)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT tokens_balance FROM entitlements WHERE principal_uid = $1 FOR UPDATE`,
		uid).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	newBalance := balance + amount
	_, err = tx.ExecContext(ctx,
		`UPDATE entitlements SET tokens_balance = $1 WHERE principal_uid = $2`,
		newBalance, uid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var key any
	if idemKey != "" {
		key = idemKey
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (principal_uid, kind, amount, idem_key)
		 VALUES ($1, $2, $3, $4)`,
		uid, kind, amount, key)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newBalance, nil
}

// ListTransactions возвращает проводки принципала, новые первыми.
func (s *Storage) ListTransactions(ctx context.Context, uid string, limit int) ([]*models.Transaction, error) {
	const op = "storage.ListTransactions"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, principal_uid, kind, amount, idem_key, created_at
		 FROM transactions
		 WHERE principal_uid = $1
		 ORDER BY id DESC
		 LIMIT $2`, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var result []*models.Transaction
	for rows.Next() {
		var item models.Transaction
		var idemKey sql.NullString
		if err := rows.Scan(&item.ID, &item.PrincipalUID, &item.Kind, &item.Amount,
			&idemKey, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if idemKey.Valid {
			item.IdemKey = idemKey.String
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	err = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
