// Package status реализует HTTP-обработчик опроса задания декодирования
// и запроса его отмены.
//
// Задание видит только его владелец; администратор может смотреть любые
// задания. Параметр cancel=1 запрашивает отмену: задание в очереди
// отменяется сразу, выполняющееся — при ближайшей проверке флага воркером.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/Bashocodes/aikizi-sub001/internal/http/middlewarectx"
	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

// Handler управляет HTTP-запросами на опрос и отмену заданий.
type Handler struct {
	log     *slog.Logger
	service Service
}

// Service описывает интерфейс координатора заданий.
type Service interface {
	Status(ctx context.Context, jobID string) (*models.DecodeJob, error)
	Cancel(ctx context.Context, jobID string) (*models.DecodeJob, error)
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// jobView — представление задания в ответе. Результат присутствует
// только у завершенных заданий, текст ошибки — только у неудавшихся.
type jobView struct {
	JobID     string               `json:"job_id"`
	Status    string               `json:"status"`
	Result    *models.DecodeResult `json:"result,omitempty"`
	ErrorText string               `json:"error,omitempty"`
}

// ServeHTTP godoc
// @Summary Статус задания декодирования
// @Description Возвращает текущий статус задания, результат при completed и текст ошибки при failed. Параметр cancel=1 запрашивает отмену задания.
// @Tags Decode
// @Produce json
// @Param id query string true "Идентификатор задания"
// @Param cancel query int false "Запросить отмену (1)"
// @Success 200 {object} map[string]any "Состояние задания"
// @Failure 400 {object} response.ErrorResponse "Некорректный идентификатор"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 403 {object} response.ErrorResponse "Чужое задание"
// @Failure 404 {object} response.ErrorResponse "Задание не найдено"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /decode/status [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.decode.status"
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

	jobID := r.URL.Query().Get("id")
	if _, err := uuid.Parse(jobID); err != nil {
		log.Error("invalid job id", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error(response.CodeInvalidRequest, "id must be a uuid"))
		return
	}

	job, err := h.service.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			render.JSON(w, r, response.Error(response.CodeNotFound, "job not found"))
			return
		}
		log.Error("failed to read job", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error(response.CodeInternal, "could not read job"))
		return
	}

	role, _ := r.Context().Value(middlewarectx.Role).(string)
	if job.PrincipalUID != uid && role != "admin" {
		log.Error("job belongs to another principal", slog.String("job_id", jobID))
		w.WriteHeader(http.StatusForbidden)
		render.JSON(w, r, response.Error(response.CodeForbidden, "access denied"))
		return
	}

	if r.URL.Query().Get("cancel") == "1" {
		job, err = h.service.Cancel(r.Context(), jobID)
		if err != nil {
			log.Error("failed to cancel job", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(response.CodeInternal, "could not cancel job"))
			return
		}
		log.Info("cancel requested", slog.String("job_id", jobID))
	}

	render.JSON(w, r, response.StatusOKWithData(jobView{
		JobID:     job.ID,
		Status:    job.Status,
		Result:    job.Result,
		ErrorText: job.ErrorText,
	}))
}
