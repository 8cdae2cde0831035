// Package balance реализует HTTP-обработчик чтения текущего баланса токенов.
package balance

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/Bashocodes/aikizi-sub001/internal/http/middlewarectx"
	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
)

// Handler управляет HTTP-запросами на чтение баланса.
type Handler struct {
	log     *slog.Logger
	service Service
}

// Service описывает интерфейс бизнес-логики чтения баланса.
type Service interface {
	GetBalance(ctx context.Context, principalUID string) (int, error)
	GetPlan(ctx context.Context, principalUID string) (string, error)
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Текущий баланс токенов
// @Description Возвращает баланс токенов и тарифный план текущего принципала. Отсутствующий кошелек трактуется как нулевой баланс на плане free.
// @Tags Wallet
// @Produce json
// @Success 200 {object} map[string]any "Баланс"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /wallet/balance [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.wallet.balance"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	uid, ok := r.Context().Value(middlewarectx.PrincipalUID).(string)
	if !ok || uid == "" {
		log.Error("principal uid not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error(response.CodeUnauthenticated, "unauthorized"))
		return
	}

	balance, err := h.service.GetBalance(r.Context(), uid)
	if err != nil {
		log.Error("failed to read balance", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error(response.CodeInternal, "could not read balance"))
		return
	}
	plan, err := h.service.GetPlan(r.Context(), uid)
	if err != nil {
		log.Error("failed to read plan", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error(response.CodeInternal, "could not read balance"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"tokens_balance": balance,
		"plan":           plan,
	}))
}
