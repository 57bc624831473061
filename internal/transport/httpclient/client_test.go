package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/transport"
)

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/path"} {
		_, err := New(raw)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidConfig), raw)
	}
}

func TestUpload_SendsBatchAndDecodesAcks(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api"+transport.UploadPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req transport.UploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Entities, 1)
		assert.Equal(t, "med-1", req.Entities[0].ID)
		assert.JSONEq(t, `{"dosage":"10mg","name":"Warfarin"}`, string(req.Entities[0].Payload))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transport.UploadResponse{Acks: []models.UploadAck{
			{EntityID: "med-1", ServerVersion: 4, ServerChecksum: "abc", ServerUpdatedAt: &at},
		}})
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api/", WithToken("secret"))
	require.NoError(t, err)

	acks, err := c.Upload(context.Background(), []*models.SyncEntity{{
		ID:         "med-1",
		EntityType: models.EntityMedication,
		Payload:    []byte(`{"dosage":"10mg","name":"Warfarin"}`),
		Version:    3,
	}})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, int64(4), acks[0].ServerVersion)
	assert.Equal(t, "abc", acks[0].ServerChecksum)
	require.NotNil(t, acks[0].ServerUpdatedAt)
	assert.True(t, at.Equal(*acks[0].ServerUpdatedAt))
}

func TestDownload_PassesCursor(t *testing.T) {
	since := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, transport.ChangesPath, r.URL.Path)
		got, err := transport.ParseSince(r.URL.Query().Get(transport.SinceParam))
		require.NoError(t, err)
		assert.True(t, since.Equal(got))

		json.NewEncoder(w).Encode(transport.ChangesResponse{Entities: []*models.SyncEntity{
			{ID: "appt-1", EntityType: models.EntityAppointment, Payload: []byte(`{"scheduled_at":"2026-05-02T10:00:00Z"}`), Version: 2},
		}})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	entities, err := c.Download(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "appt-1", entities[0].ID)
	assert.Equal(t, int64(2), entities[0].Version)
}

func TestDownload_ZeroCursorOmitsParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		io.WriteString(w, `{"entities":[]}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	entities, err := c.Download(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		code      apperrors.ErrorCode
		retryable bool
	}{
		{http.StatusInternalServerError, apperrors.ErrTransport, true},
		{http.StatusServiceUnavailable, apperrors.ErrTransport, true},
		{http.StatusTooManyRequests, apperrors.ErrTransport, true},
		{http.StatusUnauthorized, apperrors.ErrTransport, true},
		{http.StatusUnprocessableEntity, apperrors.ErrSerialization, false},
		{http.StatusBadRequest, apperrors.ErrSerialization, false},
		{http.StatusNotFound, apperrors.ErrInvalid, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(transport.ErrorResponse{Code: "X", Message: "boom"})
			}))
			defer srv.Close()

			c, err := New(srv.URL)
			require.NoError(t, err)

			_, err = c.Download(context.Background(), time.Time{})
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestNetworkFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransport))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestContextDeadlineIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Download(ctx, time.Time{})
	assert.True(t, apperrors.Is(err, apperrors.ErrTransport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, transport.HealthPath, r.URL.Path)
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	assert.NoError(t, c.Health(context.Background()))
}
