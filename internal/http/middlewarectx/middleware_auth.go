// Package middlewarectx содержит HTTP middleware: проверку подписанных
// токенов доступа, ограничение частоты запросов и проброс идентификатора
// запроса в ответ.
//
// AuthMiddleware проверяет подпись токена из заголовка Authorization по
// ключам издателя, разрешает принципала и кладёт его идентификатор и роль
// в контекст запроса. В случае ошибки возвращает HTTP 401 Unauthorized.
package middlewarectx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/Bashocodes/aikizi-sub001/internal/auth"
	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
	"github.com/Bashocodes/aikizi-sub001/internal/lib/sl"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// PrincipalUID — ключ идентификатора принципала в контексте.
	PrincipalUID Key = "principal_uid"
	// AuthSubject — ключ внешнего субъекта аутентификации в контексте.
	AuthSubject Key = "auth_subject"
	// Role — ключ роли принципала в контексте.
	Role Key = "role"
)

// IdentityResolver проверяет токен и разрешает принципала.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (*auth.Identity, error)
}

// CredentialVerifier проверяет только сам токен, без поиска принципала
// в хранилище.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, credential string) (subject, role string, err error)
}

// AuthMiddleware возвращает HTTP middleware, который проверяет токен в
// заголовке Authorization.
//
// Если токен валиден, добавляет идентификатор принципала, внешний субъект
// и роль в контекст запроса, иначе возвращает 401 Unauthorized.
func AuthMiddleware(resolver IdentityResolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.AuthMiddleware"
			authHeader := r.Header.Get("Authorization")

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Error("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error(response.CodeUnauthenticated, "missing or invalid authorization header"))
				return
			}
			credential := strings.TrimPrefix(authHeader, "Bearer ")

			identity, err := resolver.Resolve(r.Context(), credential)
			if err != nil {
				log.Error("invalid or expired token", sl.Err(err))
				code := response.CodeUnauthenticated
				if errors.Is(err, auth.ErrConfiguration) {
					code = response.CodeConfiguration
				}
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error(code, "invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalUID, identity.PrincipalUID)
			ctx = context.WithValue(ctx, AuthSubject, identity.AuthSubject)
			ctx = context.WithValue(ctx, Role, identity.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// VerifyTokenMiddleware возвращает HTTP middleware, который проверяет
// токен, но не требует существования принципала в хранилище: при первом
// входе принципала ещё нет, его создаёт сам обработчик ensure-account.
// В контекст кладётся только внешний субъект и роль из claims.
func VerifyTokenMiddleware(verifier CredentialVerifier, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.VerifyTokenMiddleware"
			authHeader := r.Header.Get("Authorization")

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Error("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error(response.CodeUnauthenticated, "missing or invalid authorization header"))
				return
			}
			credential := strings.TrimPrefix(authHeader, "Bearer ")

			subject, role, err := verifier.VerifyCredential(r.Context(), credential)
			if err != nil {
				log.Error("invalid or expired token", sl.Err(err))
				code := response.CodeUnauthenticated
				if errors.Is(err, auth.ErrConfiguration) {
					code = response.CodeConfiguration
				}
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error(code, "invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), AuthSubject, subject)
			ctx = context.WithValue(ctx, Role, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole пропускает запрос, только если роль принципала входит в
// список разрешённых. Администратор проходит всегда.
func RequireRole(log *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := r.Context().Value(Role).(string)
			if role == "admin" {
				next.ServeHTTP(w, r)
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			log.Error("access denied", slog.String("role", role))
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, response.Error(response.CodeForbidden, "access denied"))
		})
	}
}
