package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/medisync/internal/config"
	"github.com/kimhsiao/medisync/internal/db"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/sync/payload"
	"github.com/kimhsiao/medisync/internal/transport/httpclient"
	"github.com/kimhsiao/medisync/internal/transport/server"
)

func TestNewHTTPServer_PersistsToSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Server.Token = "s3cret"

	database, err := db.Open(cfg.Store.DataDir)
	require.NoError(t, err)
	defer database.Close()

	codec, err := payload.NewCodec()
	require.NoError(t, err)
	state, err := server.NewState(db.NewKVStore(database), codec)
	require.NoError(t, err)

	srv := newHTTPServer(cfg, state)
	assert.Equal(t, cfg.Server.ListenAddr, srv.Addr)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	client, err := httpclient.New(ts.URL, httpclient.WithToken(cfg.Server.Token))
	require.NoError(t, err)
	acks, err := client.Upload(context.Background(), []*models.SyncEntity{{
		ID:         "appt-1",
		EntityType: models.EntityAppointment,
		Payload:    []byte(`{"location":"Clinic A","scheduled_at":"2026-05-02T10:00:00Z"}`),
	}})
	require.NoError(t, err)
	require.Len(t, acks, 1)

	reloaded, err := server.NewState(db.NewKVStore(database), codec)
	require.NoError(t, err)
	got, err := reloaded.Get("appt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	changes, err := client.Download(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}
