// Package auth проверяет bearer-токены внешнего провайдера аутентификации
// по опубликованному набору ключей (JWKS) и сопоставляет субъект токена
// с внутренним принципалом.
package auth

import "errors"

// Таксономия ошибок проверки учётных данных. Все ошибки, кроме
// ErrConfiguration, означают отказ в аутентификации (401);
// ErrConfiguration — фатальная проблема настройки (5xx).
var (
	ErrNoCredential        = errors.New("no credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrExpiredCredential   = errors.New("expired credential")
	ErrNotYetValid         = errors.New("credential not yet valid")
	ErrUnknownSigningKey   = errors.New("unknown signing key")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrConfiguration       = errors.New("auth configuration error")
)
