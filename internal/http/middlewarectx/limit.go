package middlewarectx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
)

// RateLimitMiddleware ограничивает частоту запросов на процесс. Декодирование
// дорогое, поэтому лимит общий, а не по-клиентный.
func RateLimitMiddleware(log *slog.Logger, limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.Error("too many requests")
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, response.Error(response.CodeInvalidRequest, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
