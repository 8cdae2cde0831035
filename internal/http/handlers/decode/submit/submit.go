// Package submit реализует HTTP-обработчик постановки задания декодирования.
//
// Обработчик списывает стоимость декодирования и возвращает задание в
// статусе queued. Ключ идемпотентности берется из заголовка
// Idempotency-Key: повтор с тем же ключом возвращает то же задание без
// нового списания. Без заголовка ключ генерируется и повтор считается
// новым запросом.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/Bashocodes/aikizi-sub001/internal/http/middlewarectx"
	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/provider"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

// Handler управляет HTTP-запросами на постановку заданий декодирования.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// Service описывает интерфейс координатора заданий.
type Service interface {
	Submit(ctx context.Context, principalUID string, req models.DummyDecodeRequest, idemKey string) (*models.DecodeJob, error)
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Поставить задание декодирования
// @Description Списывает стоимость декодирования и ставит задание в очередь. Повтор с тем же Idempotency-Key возвращает то же задание без нового списания.
// @Tags Decode
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Ключ идемпотентности списания"
// @Param request body models.DummyDecodeRequest true "Изображение и модель"
// @Success 200 {object} map[string]any "Задание поставлено"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 402 {object} response.ErrorResponse "Недостаточно токенов"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации или неизвестная модель"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /decode [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.decode.submit"
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

	var req models.DummyDecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error(response.CodeInvalidRequest, "invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}
	if req.Image.Base64 == "" && req.Image.URL == "" {
		log.Error("request carries no image")
		w.WriteHeader(http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error(response.CodeInvalidRequest, "image must carry base64 data or a url"))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	job, err := h.service.Submit(r.Context(), uid, req, idemKey)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrUnknownModel):
			log.Error("unknown model", slog.String("model", req.Model))
			w.WriteHeader(http.StatusUnprocessableEntity)
			render.JSON(w, r, response.Error(response.CodeUnknownModel, "unknown model"))
		case errors.Is(err, repository.ErrInsufficientTokens):
			log.Info("insufficient tokens", slog.String("principal_uid", uid))
			w.WriteHeader(http.StatusPaymentRequired)
			render.JSON(w, r, response.Error(response.CodeInsufficientTokens, "not enough tokens"))
		default:
			log.Error("failed to submit decode job", sl.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			render.JSON(w, r, response.Error(response.CodeInternal, "could not submit decode job"))
		}
		return
	}

	log.Info("decode job submitted", slog.String("job_id", job.ID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}))
}
