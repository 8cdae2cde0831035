package client

import (
	"context"
	"errors"
	"sync"
)

// StaticTokenSource выдает один и тот же токен и не умеет обновляться.
// Подходит для тестов и короткоживущих скриптов.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

func (s StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", errors.New("static token cannot be refreshed")
}

// RefreshingTokenSource хранит текущий токен и обновляет его переданной
// функцией, когда сервер перестает токен принимать.
type RefreshingTokenSource struct {
	mu      sync.Mutex
	token   string
	refresh func(ctx context.Context) (string, error)
}

// NewRefreshingTokenSource создает источник с начальным токеном и
// функцией обновления.
func NewRefreshingTokenSource(initial string, refresh func(ctx context.Context) (string, error)) *RefreshingTokenSource {
	return &RefreshingTokenSource{token: initial, refresh: refresh}
}

func (s *RefreshingTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}
