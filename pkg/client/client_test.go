package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bashocodes/aikizi-sub001/internal/models"
)

func okJSON(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK", "data": data})
}

func errJSON(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "Error", "code": code, "error": msg})
}

func testImage() models.DummyImage {
	return models.DummyImage{Base64: "aGVsbG8=", MimeType: "image/png"}
}

func fastClient(url string, tokens TokenSource) *Client {
	return New(url, tokens, WithPolling(5*time.Millisecond, 10))
}

func TestClient_Decode_PollsUntilCompleted(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/decode":
			assert.Equal(t, "idem-1", r.Header.Get("Idempotency-Key"))
			okJSON(w, map[string]any{"job_id": "job-1", "status": "queued"})
		case r.URL.Path == "/api/v1/decode/status":
			if polls.Add(1) < 3 {
				okJSON(w, map[string]any{"job_id": "job-1", "status": "running"})
				return
			}
			okJSON(w, map[string]any{
				"job_id": "job-1",
				"status": "completed",
				"result": models.DecodeResult{Tags: []string{"noir"}},
			})
		default:
			t.Fatalf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	result, err := fastClient(srv.URL, StaticTokenSource("token-1")).
		Decode(context.Background(), testImage(), "gpt-4o", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"noir"}, result.Tags)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestClient_Decode_FailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			okJSON(w, map[string]any{"job_id": "job-1", "status": "queued"})
			return
		}
		okJSON(w, map[string]any{"job_id": "job-1", "status": "failed", "error": "the model is temporarily unavailable"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, StaticTokenSource("token-1")).
		Decode(context.Background(), testImage(), "gpt-4o", "idem-1")
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "temporarily unavailable")
}

func TestClient_Decode_PollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			okJSON(w, map[string]any{"job_id": "job-1", "status": "queued"})
			return
		}
		okJSON(w, map[string]any{"job_id": "job-1", "status": "running"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, StaticTokenSource("token-1")).
		Decode(context.Background(), testImage(), "gpt-4o", "idem-1")
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestClient_Decode_InsufficientTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errJSON(w, http.StatusPaymentRequired, "insufficient_tokens", "not enough tokens")
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, StaticTokenSource("token-1")).
		Decode(context.Background(), testImage(), "gpt-4o", "idem-1")
	assert.ErrorIs(t, err, ErrInsufficientTokens)
}

func TestClient_Decode_LocalImageChecks(t *testing.T) {
	c := New("http://unused", StaticTokenSource("token-1"))

	t.Run("неподдерживаемый формат", func(t *testing.T) {
		_, err := c.Decode(context.Background(), models.DummyImage{Base64: "aGVsbG8=", MimeType: "image/gif"}, "gpt-4o", "idem-1")
		assert.ErrorIs(t, err, ErrUnsupportedImageType)
	})

	t.Run("слишком большое изображение", func(t *testing.T) {
		huge := models.DummyImage{Base64: strings.Repeat("A", 40<<20), MimeType: "image/png"}
		_, err := c.Decode(context.Background(), huge, "gpt-4o", "idem-1")
		assert.ErrorIs(t, err, ErrImageTooLarge)
	})

	t.Run("изображение по ссылке не проверяется локально", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				okJSON(w, map[string]any{"job_id": "job-1", "status": "queued"})
				return
			}
			okJSON(w, map[string]any{"job_id": "job-1", "status": "completed", "result": models.DecodeResult{}})
		}))
		defer srv.Close()

		_, err := fastClient(srv.URL, StaticTokenSource("token-1")).
			Decode(context.Background(), models.DummyImage{URL: "https://example.com/pic"}, "gpt-4o", "idem-1")
		assert.NoError(t, err)
	})
}

func TestClient_SilentRefresh(t *testing.T) {
	var (
		refreshes atomic.Int32
		requests  atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			errJSON(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		okJSON(w, map[string]any{"tokens_balance": 7})
	}))
	defer srv.Close()

	tokens := NewRefreshingTokenSource("stale", func(ctx context.Context) (string, error) {
		refreshes.Add(1)
		return "fresh", nil
	})

	balance, err := fastClient(srv.URL, tokens).Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, balance)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(2), requests.Load())
}

func TestClient_ReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errJSON(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
	}))
	defer srv.Close()

	tokens := NewRefreshingTokenSource("stale", func(ctx context.Context) (string, error) {
		return "still-stale", nil
	})

	_, err := fastClient(srv.URL, tokens).Balance(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestClient_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("cancel"))
		okJSON(w, map[string]any{"job_id": "job-1", "status": "canceled"})
	}))
	defer srv.Close()

	status, err := fastClient(srv.URL, StaticTokenSource("token-1")).
		Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", status)
}
