package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

// Identity — результат успешной проверки учётных данных.
type Identity struct {
	PrincipalUID string // Внутренний идентификатор принципала
	AuthSubject  string // Субъект токена у внешнего провайдера
	Role         string // Роль принципала
}

// PrincipalStore описывает доступ к принципалам хранилища.
type PrincipalStore interface {
	FindPrincipalByAuthSubject(ctx context.Context, subject string) (*models.Principal, error)
}

// Claims описывает ожидаемые поля токена внешнего провайдера.
type Claims struct {
	Role                 string `json:"role,omitempty"`
	jwt.RegisteredClaims        // Встроенные стандартные claims JWT (ExpiresAt, NotBefore и пр.)
}

// Resolver проверяет bearer-токен и возвращает Identity.
type Resolver struct {
	keys      *KeySet
	issuer    string
	store     PrincipalStore
	adminUIDs map[string]struct{}
}

// NewResolver создает Resolver. adminUIDs — список принципалов,
// получающих роль admin в обход роли из хранилища.
func NewResolver(keys *KeySet, issuer string, store PrincipalStore, adminUIDs []string) *Resolver {
	admins := make(map[string]struct{}, len(adminUIDs))
	for _, uid := range adminUIDs {
		admins[uid] = struct{}{}
	}
	return &Resolver{
		keys:      keys,
		issuer:    issuer,
		store:     store,
		adminUIDs: admins,
	}
}

// Resolve проверяет bearer-токен и возвращает принципала.
// Порядок проверок: структура токена, подпись по кэшу опубликованных
// ключей, издатель, срок действия, not-before. Затем субъект токена
// сопоставляется с принципалом в хранилище.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Identity, error) {
	const op = "auth.Resolver.Resolve"

	subject, role, err := r.VerifyCredential(ctx, credential)
	if err != nil {
		return nil, err
	}

	principal, err := r.store.FindPrincipalByAuthSubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedCredential)
	}

	identity := &Identity{
		PrincipalUID: principal.UID,
		AuthSubject:  subject,
		Role:         principal.Role,
	}
	if _, ok := r.adminUIDs[principal.UID]; ok {
		identity.Role = models.RoleAdmin
	} else if role != "" {
		identity.Role = role
	}
	return identity, nil
}

// VerifyCredential проверяет только сам токен, без обращения к хранилищу.
// Возвращает субъект и роль из claims. Используется и при ensure-account,
// когда принципала в хранилище ещё нет.
func (r *Resolver) VerifyCredential(ctx context.Context, credential string) (subject, role string, err error) {
	const op = "auth.Resolver.VerifyCredential"

	if strings.TrimSpace(credential) == "" {
		return "", "", fmt.Errorf("%s: %w", op, ErrNoCredential)
	}
	if r.issuer == "" {
		return "", "", fmt.Errorf("%s: issuer is not configured: %w", op, ErrConfiguration)
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(credential, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q: %w", token.Method.Alg(), ErrMalformedCredential)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid: %w", ErrUnknownSigningKey)
		}
		return r.keys.Key(ctx, kid)
	}, jwt.WithIssuer(r.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, classifyParseError(err))
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%s: empty subject: %w", op, ErrMalformedCredential)
	}
	return claims.Subject, claims.Role, nil
}

// classifyParseError сводит ошибки golang-jwt к таксономии пакета.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrUnknownSigningKey),
		errors.Is(err, ErrMalformedCredential):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredCredential
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformedCredential
	default:
		return ErrInvalidSignature
	}
}
