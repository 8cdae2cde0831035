package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/Bashocodes/aikizi-sub001/internal/lib/retry"
)

// minRefreshGap ограничивает внеплановое обновление по неизвестному kid,
// чтобы поток битых токенов не превращался в поток запросов к провайдеру.
const minRefreshGap = time.Minute

// KeySet кэширует опубликованные ключи подписи провайдера аутентификации.
// Кэш обновляется не чаще чем раз в refreshEvery; устаревший, но
// непустой кэш продолжает обслуживать запросы без блокировки.
type KeySet struct {
	url          string
	refreshEvery time.Duration
	httpClient   *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	refreshing  bool
	lastAttempt time.Time
}

// NewKeySet создает кэш ключей для заданного JWKS-адреса.
// Пустой url — ошибка конфигурации, обнаруживаемая при первом обращении.
func NewKeySet(url string, refreshEvery time.Duration) *KeySet {
	if refreshEvery <= 0 {
		refreshEvery = time.Hour
	}
	return &KeySet{
		url:          url,
		refreshEvery: refreshEvery,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		keys:         map[string]*rsa.PublicKey{},
	}
}

// Key возвращает ключ по его идентификатору. Отсутствующий kid при
// непросроченном кэше — ErrUnknownSigningKey; при пустом или просроченном
// кэше сначала выполняется обновление.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	const op = "auth.KeySet.Key"

	if ks.url == "" {
		return nil, fmt.Errorf("%s: jwks url is not configured: %w", op, ErrConfiguration)
	}

	ks.mu.Lock()
	key, ok := ks.keys[kid]
	stale := time.Since(ks.fetchedAt) >= ks.refreshEvery
	empty := len(ks.keys) == 0
	ks.mu.Unlock()

	if ok && !stale {
		return key, nil
	}

	if ok && stale {
		// Ключ ещё есть — отдаем его сразу, обновление уходит в фон.
		ks.refreshAsync()
		return key, nil
	}

	if empty || stale || ks.allowRefresh() {
		if err := ks.refresh(ctx); err != nil {
			if empty {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			// Старый набор лучше, чем отказ всем подряд.
		}
	}

	ks.mu.Lock()
	key, ok = ks.keys[kid]
	ks.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: kid %q: %w", op, kid, ErrUnknownSigningKey)
	}
	return key, nil
}

func (ks *KeySet) allowRefresh() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if time.Since(ks.lastAttempt) < minRefreshGap {
		return false
	}
	ks.lastAttempt = time.Now()
	return true
}

func (ks *KeySet) refreshAsync() {
	ks.mu.Lock()
	if ks.refreshing || time.Since(ks.lastAttempt) < minRefreshGap {
		ks.mu.Unlock()
		return
	}
	ks.refreshing = true
	ks.lastAttempt = time.Now()
	ks.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = ks.refresh(ctx)
		ks.mu.Lock()
		ks.refreshing = false
		ks.mu.Unlock()
	}()
}

func (ks *KeySet) refresh(ctx context.Context) error {
	const op = "auth.KeySet.refresh"

	var fetched map[string]*rsa.PublicKey
	policy := retry.Policy{Attempts: 2, Delay: 500 * time.Millisecond}
	err := policy.Do(ctx, func() error {
		var ferr error
		fetched, ferr = ks.fetch(ctx)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, ErrConfiguration)
	}

	ks.mu.Lock()
	ks.keys = fetched
	ks.fetchedAt = time.Now()
	ks.mu.Unlock()
	return nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	const op = "auth.KeySet.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: document contains no usable RSA keys", op)
	}
	return keys, nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
