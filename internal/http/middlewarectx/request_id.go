package middlewarectx

import (
	"net/http"

	"github.com/go-chi/chi/middleware"
)

// EchoRequestID возвращает идентификатор запроса клиенту в заголовке,
// чтобы его можно было приложить к обращению в поддержку.
func EchoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-Id", reqID)
		}
		next.ServeHTTP(w, r)
	})
}
