// Package ensure реализует HTTP-обработчик первого входа: создаёт
// принципала и его кошелёк, если их ещё нет, и начисляет приветственные
// токены ровно один раз.
//
// Обработчик идемпотентен: повторный вызов возвращает тот же uid и не
// меняет баланс.
package ensure

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

// Handler управляет HTTP-запросами на создание аккаунта.
type Handler struct {
	log     *slog.Logger
	service Service
}

// Service описывает интерфейс бизнес-логики создания аккаунта.
type Service interface {
	EnsureAccount(ctx context.Context, authSubject string) (string, error)
	GetBalance(ctx context.Context, principalUID string) (int, error)
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Создать аккаунт при первом входе
// @Description Идемпотентно создает принципала и кошелек, начисляет приветственные токены один раз. Возвращает uid и баланс.
// @Tags Account
// @Produce json
// @Success 200 {object} map[string]any "Аккаунт готов"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /account/ensure [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.account.ensure"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	subject, ok := r.Context().Value(middlewarectx.AuthSubject).(string)
	if !ok || subject == "" {
		log.Error("auth subject not found in context")
		w.WriteHeader(http.StatusUnauthorized)
		render.JSON(w, r, response.Error(response.CodeUnauthenticated, "unauthorized"))
		return
	}

	uid, err := h.service.EnsureAccount(r.Context(), subject)
	if err != nil {
		log.Error("failed to ensure account", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error(response.CodeInternal, "could not ensure account"))
		return
	}

	balance, err := h.service.GetBalance(r.Context(), uid)
	if err != nil {
		log.Error("failed to read balance", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error(response.CodeInternal, "could not read balance"))
		return
	}

	log.Info("account is ready", slog.String("principal_uid", uid))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"principal_uid":  uid,
		"tokens_balance": balance,
	}))
}
