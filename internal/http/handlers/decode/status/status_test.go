package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bashocodes/aikizi-sub001/internal/http/middlewarectx"
	"github.com/Bashocodes/aikizi-sub001/internal/http/response"
	"github.com/Bashocodes/aikizi-sub001/internal/models"
	"github.com/Bashocodes/aikizi-sub001/internal/storage/repository"
)

type CoordinatorMock struct {
	mock.Mock
}

func (m *CoordinatorMock) Status(ctx context.Context, jobID string) (*models.DecodeJob, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.DecodeJob)
	return job, args.Error(1)
}

func (m *CoordinatorMock) Cancel(ctx context.Context, jobID string) (*models.DecodeJob, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.DecodeJob)
	return job, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

const jobID = "2f3b7a61-1111-4f2b-9c60-000000000001"

func ownJob(status string) *models.DecodeJob {
	return &models.DecodeJob{ID: jobID, PrincipalUID: "uid-1", Status: status}
}

func doRequest(handler http.Handler, target, uid, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	ctx := req.Context()
	if uid != "" {
		ctx = context.WithValue(ctx, middlewarectx.PrincipalUID, uid)
	}
	if role != "" {
		ctx = context.WithValue(ctx, middlewarectx.Role, role)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestStatusHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name           string
		target         string
		uid            string
		role           string
		mockJob        *models.DecodeJob
		mockErr        error
		wantStatusCode int
		wantCode       string
	}{
		{
			name:           "владелец видит свое задание",
			target:         "/decode/status?id=" + jobID,
			uid:            "uid-1",
			mockJob:        ownJob(models.JobStatusRunning),
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "чужое задание запрещено",
			target:         "/decode/status?id=" + jobID,
			uid:            "uid-2",
			mockJob:        ownJob(models.JobStatusRunning),
			wantStatusCode: http.StatusForbidden,
			wantCode:       response.CodeForbidden,
		},
		{
			name:           "администратор видит чужое задание",
			target:         "/decode/status?id=" + jobID,
			uid:            "uid-2",
			role:           "admin",
			mockJob:        ownJob(models.JobStatusCompleted),
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "задание не найдено",
			target:         "/decode/status?id=" + jobID,
			uid:            "uid-1",
			mockErr:        repository.ErrNotFound,
			wantStatusCode: http.StatusNotFound,
			wantCode:       response.CodeNotFound,
		},
		{
			name:           "кривой идентификатор",
			target:         "/decode/status?id=not-a-uuid",
			uid:            "uid-1",
			wantStatusCode: http.StatusBadRequest,
			wantCode:       response.CodeInvalidRequest,
		},
		{
			name:           "без аутентификации",
			target:         "/decode/status?id=" + jobID,
			wantStatusCode: http.StatusUnauthorized,
			wantCode:       response.CodeUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coordMock := new(CoordinatorMock)
			if tt.mockJob != nil || tt.mockErr != nil {
				coordMock.On("Status", mock.Anything, jobID).Return(tt.mockJob, tt.mockErr).Once()
			}
			handler := New(newNoopLogger(), coordMock)

			rec := doRequest(handler, tt.target, tt.uid, tt.role)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			if tt.wantCode != "" {
				var resp response.ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantCode, resp.Code)
			}
			coordMock.AssertExpectations(t)
		})
	}
}

func TestStatusHandler_Cancel(t *testing.T) {
	coordMock := new(CoordinatorMock)
	coordMock.On("Status", mock.Anything, jobID).Return(ownJob(models.JobStatusQueued), nil).Once()
	coordMock.On("Cancel", mock.Anything, jobID).Return(ownJob(models.JobStatusCanceled), nil).Once()
	handler := New(newNoopLogger(), coordMock)

	rec := doRequest(handler, "/decode/status?id="+jobID+"&cancel=1", "uid-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status string  `json:"status"`
		Data   jobView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.JobStatusCanceled, resp.Data.Status)
	coordMock.AssertExpectations(t)
}

func TestStatusHandler_CompletedCarriesResult(t *testing.T) {
	job := ownJob(models.JobStatusCompleted)
	job.Result = &models.DecodeResult{Tags: []string{"noir"}}
	coordMock := new(CoordinatorMock)
	coordMock.On("Status", mock.Anything, jobID).Return(job, nil).Once()
	handler := New(newNoopLogger(), coordMock)

	rec := doRequest(handler, "/decode/status?id="+jobID, "uid-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data jobView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Data.Result)
	assert.Equal(t, []string{"noir"}, resp.Data.Result.Tags)
	assert.Empty(t, resp.Data.ErrorText)
}
