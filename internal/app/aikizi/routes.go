package aikizi

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	_ "github.com/Bashocodes/aikizi-sub001/docs"
	"github.com/Bashocodes/aikizi-sub001/internal/auth"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/account/ensure"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/decode/status"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/decode/submit"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/health"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/wallet/balance"
	"github.com/Bashocodes/aikizi-sub001/internal/http/handlers/wallet/transactions"
	"github.com/Bashocodes/aikizi-sub001/internal/http/middlewarectx"
	decodeservice "github.com/Bashocodes/aikizi-sub001/internal/services/decode"
	ledgerservice "github.com/Bashocodes/aikizi-sub001/internal/services/ledger"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, resolver *auth.Resolver,
	ledger *ledgerservice.Service, coordinator *decodeservice.Coordinator, db *repository.Storage) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
		middlewarectx.EchoRequestID,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.Get("/health", health.New(logger, db).ServeHTTP)

		// Первый вход: токен проверяется, но принципала в хранилище
		// ещё нет, его создаёт сам обработчик.
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.VerifyTokenMiddleware(resolver, logger))
			r.Post("/account/ensure", ensure.New(logger, ledger).ServeHTTP)
		})

		// Группа с проверкой токена и разрешением принципала
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.AuthMiddleware(resolver, logger))
			r.Get("/wallet/balance", balance.New(logger, ledger).ServeHTTP)
			r.Get("/wallet/transactions", transactions.New(logger, ledger).ServeHTTP)
			r.Get("/decode/status", status.New(logger, coordinator).ServeHTTP)

			// Декодирование дорогое, частота ограничивается отдельно.
			r.Group(func(r chi.Router) {
				r.Use(middlewarectx.RateLimitMiddleware(logger, rate.NewLimiter(5, 10)))
				r.Post("/decode", submit.New(logger, coordinator).ServeHTTP)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
