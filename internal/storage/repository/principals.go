package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

// FindPrincipalByAuthSubject возвращает принципала по субъекту внешнего провайдера.
func (s *Storage) FindPrincipalByAuthSubject(ctx context.Context, subject string) (*models.Principal, error) {
	const op = "storage.FindPrincipalByAuthSubject"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT uid, auth_subject, role, created_at
			  FROM principals
			  WHERE auth_subject = $1`
	p := &models.Principal{}
	row := s.DB.QueryRowContext(ctx, query, subject)
	if err := row.Scan(&p.UID, &p.AuthSubject, &p.Role, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// GetPrincipal возвращает принципала по его UID.
func (s *Storage) GetPrincipal(ctx context.Context, uid string) (*models.Principal, error) {
	const op = "storage.GetPrincipal"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT uid, auth_subject, role, created_at
			  FROM principals
			  WHERE uid = $1`
	p := &models.Principal{}
	row := s.DB.QueryRowContext(ctx, query, uid)
	if err := row.Scan(&p.UID, &p.AuthSubject, &p.Role, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// GetEntitlement возвращает кошелёк принципала.
func (s *Storage) GetEntitlement(ctx context.Context, uid string) (*models.Entitlement, error) {
	const op = "storage.GetEntitlement"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT principal_uid, plan, tokens_balance, next_renewal
			  FROM entitlements
			  WHERE principal_uid = $1`
	e := &models.Entitlement{}
	var nextRenewal sql.NullTime
	row := s.DB.QueryRowContext(ctx, query, uid)
	if err := row.Scan(&e.PrincipalUID, &e.Plan, &e.TokensBalance, &nextRenewal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if nextRenewal.Valid {
		t := nextRenewal.Time
		e.NextRenewal = &t
	}
	return e, nil
}

// EnsureAccount идемпотентно создает принципала и его кошелёк и начисляет
// приветственные токены. Начисление защищено не клиентским кэшем, а
// проверкой существующей grant-проводки под блокировкой строки кошелька:
// конкурентные вызовы не приводят к двойному начислению.
func (s *Storage) EnsureAccount(ctx context.Context, subject string, welcomeGrant int) (string, error) {
	const op = "storage.EnsureAccount"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var uid string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO principals (auth_subject, role, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (auth_subject) DO UPDATE SET auth_subject = EXCLUDED.auth_subject
		 RETURNING uid`,
		subject, models.RoleViewer, time.Now().UTC()).Scan(&uid)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entitlements (principal_uid, plan, tokens_balance)
		 VALUES ($1, 'free', 0)
		 ON CONFLICT (principal_uid) DO NOTHING`, uid)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT tokens_balance FROM entitlements WHERE principal_uid = $1 FOR UPDATE`,
		uid).Scan(&balance)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	var granted bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE principal_uid = $1 AND kind IN ($2, $3, $4)
		 )`,
		uid, models.TxKindWelcomeGrant, models.TxKindMonthlyGrant, models.TxKindGrant).Scan(&granted)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if !granted && welcomeGrant > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE entitlements SET tokens_balance = tokens_balance + $1 WHERE principal_uid = $2`,
			welcomeGrant, uid)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (principal_uid, kind, amount) VALUES ($1, $2, $3)`,
			uid, models.TxKindWelcomeGrant, welcomeGrant)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return uid, nil
}
