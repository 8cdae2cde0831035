package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

// ErrInvalidTransition возвращается, когда запрошенный переход статуса
// не разрешён машиной состояний (в том числе когда задание уже в
// конечном статусе).
var ErrInvalidTransition = errors.New("invalid job status transition")

// CreateDecodeJob вставляет новое задание в статусе queued.
func (s *Storage) CreateDecodeJob(ctx context.Context, job models.DecodeJob) error {
	const op = "storage.CreateDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO decode_jobs (id, principal_uid, model, status, attempt_count, idem_key,
			 cancel_requested, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, false, $6, $6)`,
		job.ID, job.PrincipalUID, job.Model, models.JobStatusQueued, job.IdemKey, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetDecodeJob возвращает задание по его идентификатору.
func (s *Storage) GetDecodeJob(ctx context.Context, id string) (*models.DecodeJob, error) {
	const op = "storage.GetDecodeJob"
	return s.scanJob(ctx, op,
		`SELECT id, principal_uid, model, status, attempt_count, idem_key, result,
			 error_text, cancel_requested, created_at, updated_at
		 FROM decode_jobs WHERE id = $1`, id)
}

// FindDecodeJobByIdemKey возвращает задание принципала по ключу идемпотентности.
// Используется, чтобы повторная отправка того же запроса вернула уже
// созданное задание, а не породила новое.
func (s *Storage) FindDecodeJobByIdemKey(ctx context.Context, uid, idemKey string) (*models.DecodeJob, error) {
	const op = "storage.FindDecodeJobByIdemKey"
	return s.scanJob(ctx, op,
		`SELECT id, principal_uid, model, status, attempt_count, idem_key, result,
			 error_text, cancel_requested, created_at, updated_at
		 FROM decode_jobs WHERE principal_uid = $1 AND idem_key = $2`, uid, idemKey)
}

func (s *Storage) scanJob(ctx context.Context, op, query string, args ...any) (*models.DecodeJob, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var job models.DecodeJob
	var result []byte
	var errorText sql.NullString
	row := s.DB.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&job.ID, &job.PrincipalUID, &job.Model, &job.Status, &job.AttemptCount,
		&job.IdemKey, &result, &errorText, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if errorText.Valid {
		job.ErrorText = errorText.String
	}
	if len(result) > 0 {
		var decoded models.DecodeResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		job.Result = &decoded
	}
	return &job, nil
}

// AdvanceDecodeJob переводит задание из статуса from в статус to.
// Переход выполняется условным UPDATE: если строка уже не в from,
// возвращается ErrInvalidTransition. Так обеспечивается монотонность
// машины состояний и неизменность конечных статусов.
func (s *Storage) AdvanceDecodeJob(ctx context.Context, id, from, to string) error {
	const op = "storage.AdvanceDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	result, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs
		 SET status = $1, attempt_count = attempt_count + CASE WHEN $1 = $4 THEN 1 ELSE 0 END,
			 updated_at = $2
		 WHERE id = $3 AND status = $5`,
		to, time.Now().UTC(), id, models.JobStatusRunning, from)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %s -> %s: %w", op, from, to, ErrInvalidTransition)
	}
	return nil
}

// CompleteDecodeJob сохраняет результат и переводит задание saving -> completed.
func (s *Storage) CompleteDecodeJob(ctx context.Context, id string, result *models.DecodeResult) error {
	const op = "storage.CompleteDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs SET status = $1, result = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		models.JobStatusCompleted, payload, time.Now().UTC(), id, models.JobStatusSaving)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return nil
}

// FailDecodeJob переводит задание в failed из любого неконечного статуса
// после queued и записывает текст ошибки.
func (s *Storage) FailDecodeJob(ctx context.Context, id, errorText string) error {
	const op = "storage.FailDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs SET status = $1, error_text = $2, updated_at = $3
		 WHERE id = $4 AND status IN ($5, $6, $7)`,
		models.JobStatusFailed, errorText, time.Now().UTC(), id,
		models.JobStatusRunning, models.JobStatusNormalizing, models.JobStatusSaving)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return nil
}

// CancelDecodeJob переводит задание в canceled. Из queued отмена
// немедленная; из running допускается только после прерывания
// внешнего вызова, что обеспечивает координатор.
func (s *Storage) CancelDecodeJob(ctx context.Context, id string) error {
	const op = "storage.CancelDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		models.JobStatusCanceled, time.Now().UTC(), id,
		models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return nil
}

// CancelQueuedDecodeJob переводит задание в canceled только из queued.
// Если воркер уже взял задание в работу, возвращает ErrInvalidTransition:
// отменой тогда занимается сам воркер по флагу cancel_requested.
func (s *Storage) CancelQueuedDecodeJob(ctx context.Context, id string) error {
	const op = "storage.CancelQueuedDecodeJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		models.JobStatusCanceled, time.Now().UTC(), id,
		models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	return nil
}

// RequestDecodeJobCancel помечает задание как подлежащее отмене.
// Для конечных статусов запрос игнорируется без ошибки.
func (s *Storage) RequestDecodeJobCancel(ctx context.Context, id string) error {
	const op = "storage.RequestDecodeJobCancel"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx,
		`UPDATE decode_jobs SET cancel_requested = true, updated_at = $1
		 WHERE id = $2 AND status IN ($3, $4, $5, $6)`,
		time.Now().UTC(), id,
		models.JobStatusQueued, models.JobStatusRunning,
		models.JobStatusNormalizing, models.JobStatusSaving)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// IsDecodeJobCancelRequested сообщает, запрошена ли отмена задания.
func (s *Storage) IsDecodeJobCancelRequested(ctx context.Context, id string) (bool, error) {
	const op = "storage.IsDecodeJobCancelRequested"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var requested bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT cancel_requested FROM decode_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return requested, nil
}
