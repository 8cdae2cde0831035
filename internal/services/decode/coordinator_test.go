package decode

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/normalizer"
	"github.com/Bashocodes/aikizi-sub001/internal/provider"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

type mockJobStore struct {
	mock.Mock
}

func (m *mockJobStore) CreateDecodeJob(ctx context.Context, job models.DecodeJob) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobStore) GetDecodeJob(ctx context.Context, id string) (*models.DecodeJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DecodeJob), args.Error(1)
}

func (m *mockJobStore) FindDecodeJobByIdemKey(ctx context.Context, uid, idemKey string) (*models.DecodeJob, error) {
	args := m.Called(ctx, uid, idemKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DecodeJob), args.Error(1)
}

func (m *mockJobStore) AdvanceDecodeJob(ctx context.Context, id, from, to string) error {
	return m.Called(ctx, id, from, to).Error(0)
}

func (m *mockJobStore) CompleteDecodeJob(ctx context.Context, id string, result *models.DecodeResult) error {
	return m.Called(ctx, id, result).Error(0)
}

func (m *mockJobStore) FailDecodeJob(ctx context.Context, id, errorText string) error {
	return m.Called(ctx, id, errorText).Error(0)
}

func (m *mockJobStore) CancelDecodeJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobStore) CancelQueuedDecodeJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobStore) RequestDecodeJobCancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockJobStore) IsDecodeJobCancelRequested(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type mockWallet struct {
	mock.Mock
}

func (m *mockWallet) Spend(ctx context.Context, uid string, cost int, idemKey string) (int, error) {
	args := m.Called(ctx, uid, cost, idemKey)
	return args.Int(0), args.Error(1)
}

func (m *mockWallet) Refund(ctx context.Context, uid string, amount int, idemKey string) (int, error) {
	args := m.Called(ctx, uid, amount, idemKey)
	return args.Int(0), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Decode(ctx context.Context, image provider.Image, model provider.Model) (string, error) {
	args := m.Called(ctx, image, model)
	return args.String(0), args.Error(1)
}

type mockNormalizer struct {
	mock.Mock
}

func (m *mockNormalizer) Normalize(raw string) (models.DecodeResult, error) {
	args := m.Called(raw)
	return args.Get(0).(models.DecodeResult), args.Error(1)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(key string, result any) (bool, error) {
	args := m.Called(key, result)
	if args.Bool(0) {
		if job, ok := result.(*models.DecodeJob); ok {
			*job = *args.Get(2).(*models.DecodeJob)
		}
	}
	return args.Bool(0), args.Error(1)
}

func (m *mockCache) Set(key string, value any, expiration time.Duration) error {
	return m.Called(key, value, expiration).Error(0)
}

type fixture struct {
	jobs    *mockJobStore
	wallet  *mockWallet
	gateway *mockGateway
	norm    *mockNormalizer
}

func newFixture() *fixture {
	return &fixture{
		jobs:    new(mockJobStore),
		wallet:  new(mockWallet),
		gateway: new(mockGateway),
		norm:    new(mockNormalizer),
	}
}

func (f *fixture) coordinator(publish Publisher) *Coordinator {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewCoordinator(f.jobs, f.wallet, f.gateway, f.norm, nil, publish, log, 1, 2*time.Second)
}

func testRequest() models.DummyDecodeRequest {
	return models.DummyDecodeRequest{
		Image: models.DummyImage{Base64: "aGVsbG8=", MimeType: "image/png"},
		Model: "gpt-4o",
	}
}

func queuedJob(id string) *models.DecodeJob {
	return &models.DecodeJob{
		ID:           id,
		PrincipalUID: "uid-1",
		Model:        "gpt-4o",
		Status:       models.JobStatusQueued,
		IdemKey:      "idem-1",
	}
}

func TestCoordinator_Submit(t *testing.T) {
	t.Run("успешная постановка в очередь", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(nil, repository.ErrNotFound).Once()
		f.wallet.On("Spend", mock.Anything, "uid-1", 1, "idem-1").Return(4, nil)
		f.jobs.On("CreateDecodeJob", mock.Anything, mock.MatchedBy(func(job models.DecodeJob) bool {
			return job.Status == models.JobStatusQueued && job.IdemKey == "idem-1"
		})).Return(nil)
		f.jobs.On("GetDecodeJob", mock.Anything, mock.Anything).
			Return(queuedJob("job-1"), nil)

		var published []models.DecodeTask
		publish := func(task models.DecodeTask) error {
			published = append(published, task)
			return nil
		}

		job, err := f.coordinator(publish).Submit(context.Background(), "uid-1", testRequest(), "idem-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		require.Len(t, published, 1)
		assert.Equal(t, "gpt-4o", published[0].Model)
		f.wallet.AssertExpectations(t)
	})

	t.Run("повтор того же ключа возвращает старое задание", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(queuedJob("job-1"), nil)

		job, err := f.coordinator(nil).Submit(context.Background(), "uid-1", testRequest(), "idem-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		f.wallet.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("недостаточно токенов", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(nil, repository.ErrNotFound)
		f.wallet.On("Spend", mock.Anything, "uid-1", 1, "idem-1").
			Return(0, repository.ErrInsufficientTokens)

		_, err := f.coordinator(nil).Submit(context.Background(), "uid-1", testRequest(), "idem-1")
		assert.ErrorIs(t, err, repository.ErrInsufficientTokens)
		f.jobs.AssertNotCalled(t, "CreateDecodeJob", mock.Anything, mock.Anything)
	})

	t.Run("сбой хранилища при проверке повтора не приводит к списанию", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(nil, errors.New("connection refused"))

		_, err := f.coordinator(nil).Submit(context.Background(), "uid-1", testRequest(), "idem-1")
		require.Error(t, err)
		f.wallet.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		f.jobs.AssertNotCalled(t, "CreateDecodeJob", mock.Anything, mock.Anything)
	})

	t.Run("неизвестная модель до списания", func(t *testing.T) {
		f := newFixture()
		req := testRequest()
		req.Model = "no-such-model"

		_, err := f.coordinator(nil).Submit(context.Background(), "uid-1", req, "idem-1")
		assert.ErrorIs(t, err, provider.ErrUnknownModel)
		f.wallet.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("гонка на создании возвращает чужое задание", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(nil, repository.ErrNotFound).Once()
		f.wallet.On("Spend", mock.Anything, "uid-1", 1, "idem-1").Return(4, nil)
		f.jobs.On("CreateDecodeJob", mock.Anything, mock.Anything).
			Return(errors.New("duplicate key value violates unique constraint"))
		f.jobs.On("FindDecodeJobByIdemKey", mock.Anything, "uid-1", "idem-1").
			Return(queuedJob("job-other"), nil).Once()

		job, err := f.coordinator(func(models.DecodeTask) error { return nil }).
			Submit(context.Background(), "uid-1", testRequest(), "idem-1")
		require.NoError(t, err)
		assert.Equal(t, "job-other", job.ID)
	})
}

func processTask() models.DecodeTask {
	return models.DecodeTask{
		JobID: "job-1",
		Image: models.DummyImage{Base64: "aGVsbG8=", MimeType: "image/png"},
		Model: "gpt-4o",
	}
}

func TestCoordinator_Process(t *testing.T) {
	t.Run("полный успешный прогон", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusQueued, models.JobStatusRunning).Return(nil)
		f.gateway.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return(`{"tags":["noir"]}`, nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusRunning, models.JobStatusNormalizing).Return(nil)
		want := models.DecodeResult{StyleCodes: []string{}, Tags: []string{"noir"}, Subjects: []string{}}
		f.norm.On("Normalize", `{"tags":["noir"]}`).Return(want, nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusNormalizing, models.JobStatusSaving).Return(nil)
		f.jobs.On("CompleteDecodeJob", mock.Anything, "job-1", &want).Return(nil)
		f.jobs.On("IsDecodeJobCancelRequested", mock.Anything, "job-1").Return(false, nil).Maybe()

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err)
		f.jobs.AssertExpectations(t)
		f.wallet.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("отказ провайдера даёт failed и возврат", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusQueued, models.JobStatusRunning).Return(nil)
		f.gateway.On("Decode", mock.Anything, mock.Anything, mock.Anything).
			Return("", provider.ErrProviderUnavailable)
		f.jobs.On("FailDecodeJob", mock.Anything, "job-1", "the model is temporarily unavailable").Return(nil)
		f.wallet.On("Refund", mock.Anything, "uid-1", 1, "idem-1").Return(5, nil)
		f.jobs.On("IsDecodeJobCancelRequested", mock.Anything, "job-1").Return(false, nil).Maybe()

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err, "конечная ошибка задания не должна требовать повтора")
		f.wallet.AssertExpectations(t)
	})

	t.Run("неразбираемый ответ даёт failed и возврат", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusQueued, models.JobStatusRunning).Return(nil)
		f.gateway.On("Decode", mock.Anything, mock.Anything, mock.Anything).Return("garbage", nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusRunning, models.JobStatusNormalizing).Return(nil)
		f.norm.On("Normalize", "garbage").Return(models.DecodeResult{}, normalizer.ErrUnparsable)
		f.jobs.On("FailDecodeJob", mock.Anything, "job-1", "the model answer could not be interpreted").Return(nil)
		f.wallet.On("Refund", mock.Anything, "uid-1", 1, "idem-1").Return(5, nil)
		f.jobs.On("IsDecodeJobCancelRequested", mock.Anything, "job-1").Return(false, nil).Maybe()

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err)
		f.wallet.AssertExpectations(t)
	})

	t.Run("конечное задание не трогается", func(t *testing.T) {
		f := newFixture()
		done := queuedJob("job-1")
		done.Status = models.JobStatusCompleted
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(done, nil)

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err)
		f.gateway.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("отмена до старта даёт canceled и возврат", func(t *testing.T) {
		f := newFixture()
		job := queuedJob("job-1")
		job.CancelRequested = true
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(job, nil)
		f.jobs.On("CancelDecodeJob", mock.Anything, "job-1").Return(nil)
		f.wallet.On("Refund", mock.Anything, "uid-1", 1, "idem-1").Return(5, nil)

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err)
		f.gateway.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
		f.wallet.AssertExpectations(t)
	})

	t.Run("задание уже взято другим потребителем", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusQueued, models.JobStatusRunning).
			Return(repository.ErrInvalidTransition)

		err := f.coordinator(nil).Process(context.Background(), processTask())
		require.NoError(t, err)
		f.gateway.AssertNotCalled(t, "Decode", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("отмена во время вызова провайдера", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)
		f.jobs.On("AdvanceDecodeJob", mock.Anything, "job-1", models.JobStatusQueued, models.JobStatusRunning).Return(nil)
		f.jobs.On("IsDecodeJobCancelRequested", mock.Anything, "job-1").Return(true, nil)
		f.gateway.On("Decode", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				ctx := args.Get(0).(context.Context)
				<-ctx.Done()
			}).
			Return("", provider.ErrProviderTimeout)
		f.jobs.On("CancelDecodeJob", mock.Anything, "job-1").Return(nil)
		f.wallet.On("Refund", mock.Anything, "uid-1", 1, "idem-1").Return(5, nil)

		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		coord := NewCoordinator(f.jobs, f.wallet, f.gateway, f.norm, nil, nil, log, 1, 10*time.Second)

		err := coord.Process(context.Background(), processTask())
		require.NoError(t, err)
		f.jobs.AssertCalled(t, "CancelDecodeJob", mock.Anything, "job-1")
		f.wallet.AssertExpectations(t)
	})
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Run("задание в очереди отменяется сразу", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("RequestDecodeJobCancel", mock.Anything, "job-1").Return(nil)
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil).Once()
		f.jobs.On("CancelQueuedDecodeJob", mock.Anything, "job-1").Return(nil)
		f.wallet.On("Refund", mock.Anything, "uid-1", 1, "idem-1").Return(5, nil)
		canceled := queuedJob("job-1")
		canceled.Status = models.JobStatusCanceled
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(canceled, nil).Once()

		job, err := f.coordinator(nil).Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, job.Status)
		f.wallet.AssertExpectations(t)
	})

	t.Run("выполняющееся задание лишь помечается", func(t *testing.T) {
		f := newFixture()
		running := queuedJob("job-1")
		running.Status = models.JobStatusRunning
		f.jobs.On("RequestDecodeJobCancel", mock.Anything, "job-1").Return(nil)
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(running, nil)

		job, err := f.coordinator(nil).Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		f.jobs.AssertNotCalled(t, "CancelQueuedDecodeJob", mock.Anything, mock.Anything)
	})

	t.Run("воркер успел взять задание между чтением и отменой", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("RequestDecodeJobCancel", mock.Anything, "job-1").Return(nil)
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil).Once()
		f.jobs.On("CancelQueuedDecodeJob", mock.Anything, "job-1").Return(repository.ErrInvalidTransition)
		running := queuedJob("job-1")
		running.Status = models.JobStatusRunning
		running.CancelRequested = true
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(running, nil).Once()

		job, err := f.coordinator(nil).Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		// Возврат сделает воркер, когда увидит флаг и прервёт вызов.
		f.wallet.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("повторная отмена конечного задания безвредна", func(t *testing.T) {
		f := newFixture()
		done := queuedJob("job-1")
		done.Status = models.JobStatusCanceled
		f.jobs.On("RequestDecodeJobCancel", mock.Anything, "job-1").Return(nil)
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(done, nil)

		job, err := f.coordinator(nil).Cancel(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, job.Status)
		f.wallet.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCoordinator_Status(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("конечное состояние кэшируется", func(t *testing.T) {
		f := newFixture()
		cache := new(mockCache)
		done := queuedJob("job-1")
		done.Status = models.JobStatusCompleted
		cache.On("Get", "job:job-1", mock.Anything).Return(false, nil).Once()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(done, nil).Once()
		cache.On("Set", "job:job-1", done, jobStatusTTL).Return(nil).Once()
		cache.On("Get", "job:job-1", mock.Anything).Return(true, nil, done).Once()

		coord := NewCoordinator(f.jobs, f.wallet, f.gateway, f.norm, cache, nil, log, 1, 2*time.Second)

		job, err := coord.Status(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, job.Status)

		// Повторный опрос обслуживается из кэша без похода в хранилище.
		job, err = coord.Status(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, job.Status)
		f.jobs.AssertNumberOfCalls(t, "GetDecodeJob", 1)
		cache.AssertExpectations(t)
	})

	t.Run("незавершенное задание не кэшируется", func(t *testing.T) {
		f := newFixture()
		cache := new(mockCache)
		running := queuedJob("job-1")
		running.Status = models.JobStatusRunning
		cache.On("Get", "job:job-1", mock.Anything).Return(false, nil)
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(running, nil)

		coord := NewCoordinator(f.jobs, f.wallet, f.gateway, f.norm, cache, nil, log, 1, 2*time.Second)

		job, err := coord.Status(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("без кэша статус читается из хранилища", func(t *testing.T) {
		f := newFixture()
		f.jobs.On("GetDecodeJob", mock.Anything, "job-1").Return(queuedJob("job-1"), nil)

		job, err := f.coordinator(nil).Status(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, job.Status)
	})
}
