// Package decode содержит координатор заданий декодирования: приём
// запроса со списанием токенов, прогон машины состояний задания и
// возвраты при неудачах и отменах.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
	"github.com/Bashocodes/aikizi-sub001/internal/metrics"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/normalizer"
	"github.com/Bashocodes/aikizi-sub001/internal/provider"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

// JobStore описывает операции хранилища над заданиями декодирования.
type JobStore interface {
	CreateDecodeJob(ctx context.Context, job models.DecodeJob) error
	GetDecodeJob(ctx context.Context, id string) (*models.DecodeJob, error)
	FindDecodeJobByIdemKey(ctx context.Context, uid, idemKey string) (*models.DecodeJob, error)
	AdvanceDecodeJob(ctx context.Context, id, from, to string) error
	CompleteDecodeJob(ctx context.Context, id string, result *models.DecodeResult) error
	FailDecodeJob(ctx context.Context, id, errorText string) error
	CancelDecodeJob(ctx context.Context, id string) error
	CancelQueuedDecodeJob(ctx context.Context, id string) error
	RequestDecodeJobCancel(ctx context.Context, id string) error
	IsDecodeJobCancelRequested(ctx context.Context, id string) (bool, error)
}

// Wallet — подмножество кошелька, нужное координатору.
type Wallet interface {
	Spend(ctx context.Context, principalUID string, cost int, idemKey string) (int, error)
	Refund(ctx context.Context, principalUID string, amount int, idemKey string) (int, error)
}

// Gateway вызывает внешнюю модель и возвращает сырой текст её ответа.
type Gateway interface {
	Decode(ctx context.Context, image provider.Image, model provider.Model) (string, error)
}

// Normalizer приводит сырой ответ к канонической схеме.
type Normalizer interface {
	Normalize(raw string) (models.DecodeResult, error)
}

// Publisher отправляет задание в очередь на асинхронную обработку.
// Нулевой Publisher означает синхронный режим: задание обрабатывается
// в фоне того же процесса.
type Publisher func(task models.DecodeTask) error

// Cache хранит конечные состояния заданий для опроса статуса. Конечные
// статусы неизменяемы, поэтому кэш не требует инвалидации. Нулевой
// кэш допустим.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
}

const (
	cancelPollInterval = time.Second
	jobStatusTTL       = 5 * time.Minute
)

func jobStatusKey(id string) string {
	return "job:" + id
}

type Coordinator struct {
	jobs       JobStore
	wallet     Wallet
	gateway    Gateway
	normalizer Normalizer
	cache      Cache
	publish    Publisher
	log        *slog.Logger

	cost          int
	decodeTimeout time.Duration
}

func NewCoordinator(jobs JobStore, wallet Wallet, gateway Gateway, norm Normalizer,
	cache Cache, publish Publisher, log *slog.Logger, cost int, decodeTimeout time.Duration) *Coordinator {
	return &Coordinator{
		jobs:          jobs,
		wallet:        wallet,
		gateway:       gateway,
		normalizer:    norm,
		cache:         cache,
		publish:       publish,
		log:           log,
		cost:          cost,
		decodeTimeout: decodeTimeout,
	}
}

// Submit списывает стоимость декодирования и ставит задание в очередь.
// Повторный запрос с тем же ключом идемпотентности возвращает уже
// существующее задание без нового списания.
func (c *Coordinator) Submit(ctx context.Context, principalUID string, req models.DummyDecodeRequest, idemKey string) (*models.DecodeJob, error) {
	const op = "services.decode.Submit"

	model, err := provider.ResolveModel(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	existing, err := c.jobs.FindDecodeJobByIdemKey(ctx, principalUID, idemKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		// Сбой хранилища не означает отсутствие задания: повтор с тем же
		// ключом не должен приводить ко второму списанию.
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := c.wallet.Spend(ctx, principalUID, c.cost, idemKey); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	job := models.DecodeJob{
		ID:           uuid.NewString(),
		PrincipalUID: principalUID,
		Model:        model.ID,
		Status:       models.JobStatusQueued,
		IdemKey:      idemKey,
	}
	if err := c.jobs.CreateDecodeJob(ctx, job); err != nil {
		// Гонка двух повторов одного запроса: уникальный индекс по
		// (principal_uid, idem_key) пропустил только одного, второй
		// возвращает чужое задание.
		if existing, findErr := c.jobs.FindDecodeJobByIdemKey(ctx, principalUID, idemKey); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	task := models.DecodeTask{JobID: job.ID, Image: req.Image, Model: model.ID}
	if c.publish != nil {
		if err := c.publish(task); err != nil {
			c.failBeforeStart(job.ID, principalUID, idemKey)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.decodeTimeout+time.Minute)
			defer cancel()
			if err := c.Process(ctx, task); err != nil {
				c.log.Error("фоновая обработка задания не удалась",
					slog.String("job_id", task.JobID), sl.Err(err))
			}
		}()
	}

	created, err := c.jobs.GetDecodeJob(ctx, job.ID)
	if err != nil {
		return &job, nil
	}
	return created, nil
}

// Process прогоняет задание по машине состояний: queued -> running ->
// normalizing -> saving -> completed, с выходами в failed и canceled.
// Каждая попытка обращается к провайдеру ровно один раз; ошибка значит
// конечный статус и возврат токенов, а не повтор.
func (c *Coordinator) Process(ctx context.Context, task models.DecodeTask) error {
	const op = "services.decode.Process"
	log := c.log.With(slog.String("op", op), slog.String("job_id", task.JobID))

	job, err := c.jobs.GetDecodeJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if models.IsTerminalJobStatus(job.Status) {
		return nil
	}

	if job.CancelRequested && job.Status == models.JobStatusQueued {
		c.cancel(ctx, log, job)
		return nil
	}

	if err := c.jobs.AdvanceDecodeJob(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// Задание уже взято другим потребителем или отменено.
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	model, err := provider.ResolveModel(task.Model)
	if err != nil {
		c.fail(ctx, log, job, "unknown model")
		return nil
	}

	raw, aborted, err := c.callProvider(ctx, job.ID, task.Image, model)
	if err != nil {
		if aborted {
			c.cancel(ctx, log, job)
			return nil
		}
		c.fail(ctx, log, job, userMessageFor(err))
		return nil
	}

	if err := c.jobs.AdvanceDecodeJob(ctx, job.ID, models.JobStatusRunning, models.JobStatusNormalizing); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	result, err := c.normalizer.Normalize(raw)
	if err != nil {
		log.Warn("ответ модели не удалось разобрать", sl.Err(err))
		c.fail(ctx, log, job, userMessageFor(err))
		return nil
	}

	if err := c.jobs.AdvanceDecodeJob(ctx, job.ID, models.JobStatusNormalizing, models.JobStatusSaving); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.jobs.CompleteDecodeJob(ctx, job.ID, &result); err != nil {
		// Сохранение не удалось уже после успешного вызова модели:
		// работа выполнена, токены не возвращаются.
		c.fail(ctx, log, job, "could not save the result")
		return nil
	}

	metrics.DecodeJobsFinished.WithLabelValues(models.JobStatusCompleted).Inc()
	log.Info("задание завершено")
	return nil
}

// callProvider вызывает модель под таймаутом и параллельно следит за
// флагом отмены. Возвращает признак того, что вызов был прерван именно
// по запросу пользователя.
func (c *Coordinator) callProvider(ctx context.Context, jobID string, image models.DummyImage, model provider.Model) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.decodeTimeout)
	defer cancel()

	var aborted atomic.Bool
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-ticker.C:
				requested, err := c.jobs.IsDecodeJobCancelRequested(context.Background(), jobID)
				if err != nil {
					continue
				}
				if requested {
					aborted.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	raw, err := c.gateway.Decode(callCtx, provider.Image{
		Base64:   image.Base64,
		MimeType: image.MimeType,
		URL:      image.URL,
	}, model)
	cancel()
	<-watcherDone
	return raw, aborted.Load(), err
}

// Status возвращает текущее состояние задания. Конечные состояния
// отдаются из кэша, чтобы опрашивающие клиенты не ходили в базу.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*models.DecodeJob, error) {
	const op = "services.decode.Status"

	if c.cache != nil {
		var cached models.DecodeJob
		if found, err := c.cache.Get(jobStatusKey(jobID), &cached); err == nil && found {
			return &cached, nil
		}
	}

	job, err := c.jobs.GetDecodeJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if c.cache != nil && models.IsTerminalJobStatus(job.Status) {
		if err := c.cache.Set(jobStatusKey(jobID), job, jobStatusTTL); err != nil {
			c.log.Warn("не удалось закэшировать состояние задания",
				slog.String("op", op), slog.String("job_id", jobID), sl.Err(err))
		}
	}
	return job, nil
}

// Cancel запрашивает отмену задания. Задание в очереди отменяется сразу,
// выполняющееся — при ближайшей проверке флага воркером. Конечные
// статусы не меняются, повторная отмена безвредна.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*models.DecodeJob, error) {
	const op = "services.decode.Cancel"

	if err := c.jobs.RequestDecodeJobCancel(ctx, jobID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	job, err := c.jobs.GetDecodeJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if job.Status == models.JobStatusQueued {
		log := c.log.With(slog.String("op", op), slog.String("job_id", jobID))
		// Переход разрешён только из queued. Если воркер успел взять
		// задание между чтением статуса и этим UPDATE, возврат здесь
		// не делается: воркер увидит флаг, прервёт вызов и вернёт
		// токены сам.
		if err := c.jobs.CancelQueuedDecodeJob(ctx, jobID); err != nil {
			if !errors.Is(err, repository.ErrInvalidTransition) {
				log.Error("не удалось отменить задание", sl.Err(err))
			}
			return c.jobs.GetDecodeJob(ctx, jobID)
		}
		metrics.DecodeJobsFinished.WithLabelValues(models.JobStatusCanceled).Inc()
		c.refund(ctx, log, job)
		log.Info("задание отменено")
		return c.jobs.GetDecodeJob(ctx, jobID)
	}
	return job, nil
}

// cancel переводит задание в canceled и возвращает токены. Условный
// переход в базе гарантирует, что возврат случится не больше одного раза.
func (c *Coordinator) cancel(ctx context.Context, log *slog.Logger, job *models.DecodeJob) {
	if err := c.jobs.CancelDecodeJob(ctx, job.ID); err != nil {
		if !errors.Is(err, repository.ErrInvalidTransition) {
			log.Error("не удалось отменить задание", sl.Err(err))
		}
		return
	}
	metrics.DecodeJobsFinished.WithLabelValues(models.JobStatusCanceled).Inc()
	c.refund(ctx, log, job)
	log.Info("задание отменено")
}

// fail переводит задание в failed с обезличенным текстом ошибки и
// возвращает токены.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, job *models.DecodeJob, message string) {
	if err := c.jobs.FailDecodeJob(ctx, job.ID, message); err != nil {
		if !errors.Is(err, repository.ErrInvalidTransition) {
			log.Error("не удалось перевести задание в failed", sl.Err(err))
		}
		return
	}
	metrics.DecodeJobsFinished.WithLabelValues(models.JobStatusFailed).Inc()
	c.refund(ctx, log, job)
	log.Info("задание завершилось ошибкой", slog.String("reason", message))
}

// failBeforeStart закрывает задание, которое не удалось даже поставить
// в очередь.
func (c *Coordinator) failBeforeStart(jobID, principalUID, idemKey string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	log := c.log.With(slog.String("job_id", jobID))
	job := &models.DecodeJob{ID: jobID, PrincipalUID: principalUID, IdemKey: idemKey}
	if err := c.jobs.CancelDecodeJob(ctx, jobID); err != nil {
		log.Error("не удалось закрыть неотправленное задание", sl.Err(err))
		return
	}
	metrics.DecodeJobsFinished.WithLabelValues(models.JobStatusCanceled).Inc()
	c.refund(ctx, log, job)
}

func (c *Coordinator) refund(ctx context.Context, log *slog.Logger, job *models.DecodeJob) {
	if _, err := c.wallet.Refund(ctx, job.PrincipalUID, c.cost, job.IdemKey); err != nil {
		log.Error("возврат токенов не удался", sl.Err(err))
	}
}

// userMessageFor отображает внутреннюю ошибку в короткий текст для
// пользователя. Сырые ответы провайдера наружу не выходят.
func userMessageFor(err error) string {
	switch {
	case errors.Is(err, provider.ErrProviderTimeout):
		return "the model did not answer in time"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "the model is temporarily unavailable"
	case errors.Is(err, provider.ErrProviderRejected):
		return "the model rejected this image"
	case errors.Is(err, provider.ErrEmptyResponse):
		return "the model returned an empty answer"
	case errors.Is(err, provider.ErrConfiguration):
		return "the model is not configured"
	case errors.Is(err, normalizer.ErrUnparsable):
		return "the model answer could not be interpreted"
	default:
		return "internal error"
	}
}
