// Package worker собирает фоновый обработчик заданий декодирования:
// читает задания из очереди и прогоняет их по машине состояний.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/Bashocodes/aikizi-sub001/internal/cache"
	"github.com/Bashocodes/aikizi-sub001/internal/config"
	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/normalizer"
	"github.com/Bashocodes/aikizi-sub001/internal/provider"
	"github.com/Bashocodes/aikizi-sub001/internal/rabbitmq"
	decodeservice "github.com/Bashocodes/aikizi-sub001/internal/services/decode"
	ledgerservice "github.com/Bashocodes/aikizi-sub001/internal/services/ledger"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

type App struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	coordinator *decodeservice.Coordinator
	db          *repository.Storage
	logger      *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	conn, err := rabbitmq.Connect(cfg.AddressRabbit, cfg.ConnRetries, cfg.ConnDelay)
	if err != nil {
		return nil, err
	}
	ch, err := rabbitmq.SetupChannel(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ledger := ledgerservice.New(db, cacheRedis, logger, cfg.Decode.WelcomeGrant)
	gateway := provider.NewGateway(cfg.Providers, logger)
	norm := normalizer.New(logger)
	// Воркер сам обрабатывает задания и ничего не публикует.
	coordinator := decodeservice.NewCoordinator(db, ledger, gateway, norm, cacheRedis, nil,
		logger, cfg.Decode.CostPerDecode, cfg.Providers.DecodeTimeout)

	return &App{
		conn:        conn,
		ch:          ch,
		coordinator: coordinator,
		db:          db,
		logger:      logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, rabbitmq.DecodeQueue, func(body []byte) error {
		var task models.DecodeTask
		if err := json.Unmarshal(body, &task); err != nil {
			// Битое сообщение нет смысла возвращать в очередь.
			a.logger.Error("failed to unmarshal decode task", sl.Err(err))
			return nil
		}
		// Process переводит неудачи в конечный статус задания сам;
		// ошибка отсюда означает сбой инфраструктуры и повтор сообщения.
		return a.coordinator.Process(ctx, task)
	})
	if err != nil {
		a.logger.Error("failed to start decode consumer", slog.Any("err", err))
		return err
	}

	<-ctx.Done()
	a.logger.Info("decode worker shutting down gracefully")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}
	a.db.DB.Close()

	return nil
}
