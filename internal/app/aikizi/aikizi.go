// Package aikizi собирает API-сервис декодирования изображений:
// хранилище, кэш, очередь, проверку токенов доступа и HTTP-сервер.
package aikizi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/Bashocodes/aikizi-sub001/internal/auth"
	"github.com/Bashocodes/aikizi-sub001/internal/cache"
	"github.com/Bashocodes/aikizi-sub001/internal/config"
	"github.com/Bashocodes/aikizi-sub001/internal/migrations"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/normalizer"
	"github.com/Bashocodes/aikizi-sub001/internal/provider"
	"github.com/Bashocodes/aikizi-sub001/internal/rabbitmq"
	decodeservice "github.com/Bashocodes/aikizi-sub001/internal/services/decode"
	ledgerservice "github.com/Bashocodes/aikizi-sub001/internal/services/ledger"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

type App struct {
	server   *http.Server
	logger   *slog.Logger
	db       *repository.Storage
	rabbit   *amqp.Connection
	rabbitCh *amqp.Channel
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, "./migrations"); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	keys := auth.NewKeySet(cfg.Auth.JWKSURL, cfg.Auth.KeyRefreshEvery)
	resolver := auth.NewResolver(keys, cfg.Auth.Issuer, db, cfg.Auth.AdminUIDs)

	ledger := ledgerservice.New(db, cacheRedis, logger, cfg.Decode.WelcomeGrant)
	gateway := provider.NewGateway(cfg.Providers, logger)
	norm := normalizer.New(logger)

	app := &App{logger: logger, db: db}

	var publish decodeservice.Publisher
	if cfg.RabbitConnection.Enabled {
		conn, err := rabbitmq.Connect(cfg.AddressRabbit, cfg.ConnRetries, cfg.ConnDelay)
		if err != nil {
			return nil, err
		}
		ch, err := rabbitmq.SetupChannel(conn)
		if err != nil {
			return nil, err
		}
		app.rabbit = conn
		app.rabbitCh = ch
		publish = func(task models.DecodeTask) error {
			return rabbitmq.PublishMessage(ch, rabbitmq.DecodeExchange, rabbitmq.DecodeRoutingKey, task)
		}
	}

	coordinator := decodeservice.NewCoordinator(db, ledger, gateway, norm, cacheRedis, publish,
		logger, cfg.Decode.CostPerDecode, cfg.Providers.DecodeTimeout)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, resolver, ledger, coordinator, db)

	app.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		if a.rabbitCh != nil {
			_ = a.rabbitCh.Close()
		}
		if a.rabbit != nil {
			_ = a.rabbit.Close()
		}
		a.db.DB.Close()
		return err
	}
}
