package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	"github.com/kimhsiao/medisync/internal/sync/orchestrator"
	"github.com/kimhsiao/medisync/internal/sync/payload"
	"github.com/kimhsiao/medisync/internal/transport/server"
)

const apptBody = `{"location":"Clinic A","scheduled_at":"2026-05-02T10:00:00Z"}`

type cliEnv struct {
	t          *testing.T
	configPath string
	state      *server.State
}

func newCLIEnv(t *testing.T, middleware ...mux.MiddlewareFunc) *cliEnv {
	t.Helper()

	codec, err := payload.NewCodec()
	require.NoError(t, err)
	state, err := server.NewState(store.NewMemory(), codec)
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewHandler(state).Router(middleware...))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := "store:\n  data_dir: " + filepath.Join(dir, "data") + "\n" +
		"server:\n  base_url: " + srv.URL + "\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "medisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	return &cliEnv{t: t, configPath: path, state: state}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func TestRecordSyncStatus(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("record", "appt-1", "appointment", apptBody)
	assert.Contains(t, out, "Recorded appt-1 (appointment)")

	out = env.mustRun("queue", "list")
	assert.Contains(t, out, "appt-1")
	assert.Contains(t, out, "pending")

	out = env.mustRun("sync")
	assert.Contains(t, out, "Uploaded 1")
	assert.Equal(t, 1, env.state.Len())

	out = env.mustRun("status", "--format", "json")
	var resp struct {
		Status string              `json:"status"`
		Data   orchestrator.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Initialized)
	assert.True(t, resp.Data.CanSync)
	assert.Zero(t, resp.Data.PendingUploads)
	assert.Zero(t, resp.Data.QueueDepth)
	assert.NotNil(t, resp.Data.LastSyncAt)
	assert.Equal(t, models.QualityExcellent, resp.Data.Connection.Quality)

	out = env.mustRun("status")
	assert.Contains(t, out, "Connection:       excellent (stable)")
	assert.NotContains(t, out, "Last sync:        never")
}

func TestSync_SkippedOffline(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("record", "appt-1", "appointment", apptBody)

	out := env.mustRun("sync", "--network", "none")

	assert.Contains(t, out, "Skipped")
	assert.Zero(t, env.state.Len())
}

func TestRecord_ReadsPayloadFile(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "appt.json")
	require.NoError(t, os.WriteFile(path, []byte(apptBody), 0o600))

	out := env.mustRun("record", "appt-2", "appointment", "@"+path, "--format", "json")

	var resp struct {
		Data models.SyncEntity `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "appt-2", resp.Data.ID)
	assert.True(t, resp.Data.PendingUpload)
}

func TestRecord_InvalidPayload(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("record", "med-1", "medication", `{"name":"Metformin"}`)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialization))
	assert.Equal(t, ExitCommandError, exitCode(err))
}

func TestDelete(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("record", "appt-1", "appointment", apptBody)
	env.mustRun("sync")

	out := env.mustRun("delete", "appt-1")
	assert.Contains(t, out, "Deleted appt-1")
	env.mustRun("sync")

	stored, err := env.state.Get("appt-1")
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
}

func TestConflicts_EmptyList(t *testing.T) {
	env := newCLIEnv(t)

	assert.Contains(t, env.mustRun("conflicts", "list"), "No conflicts.")
	assert.Contains(t, env.mustRun("conflicts", "history"), "No conflicts.")

	_, err := env.run("conflicts", "resolve", "med-1", apptBody)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = env.run("conflicts", "resolve", "med-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestQueue_ArgumentChecks(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("queue", "retry")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	out := env.mustRun("queue", "retry", "--all")
	assert.Contains(t, out, "Reset 0 failed operations")

	_, err = env.run("queue", "dismiss", "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, ExitCommandError, exitCode(err))

	assert.Contains(t, env.mustRun("queue", "list", "--failed"), "Queue is empty.")
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("status", "--format", "yaml")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, exitCode(apperrors.Transport("down", nil)))
	assert.Equal(t, ExitCommandError, exitCode(apperrors.InvalidConfig("bad", nil)))
}

func TestLoginLogout(t *testing.T) {
	t.Setenv("MEDISYNC_TOKEN", "")
	t.Setenv("MEDISYNC_BASE_DELAY", "1ms")
	env := newCLIEnv(t, server.TokenAuth("s3cret"))

	env.mustRun("record", "appt-1", "appointment", apptBody)

	out := env.mustRun("--format", "json", "sync")
	var anonymous struct {
		Data orchestrator.PassSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &anonymous))
	assert.Equal(t, 0, anonymous.Data.Uploaded)
	assert.Positive(t, anonymous.Data.Requeued)

	assert.Contains(t, env.mustRun("login", "s3cret"), "Server token stored.")
	time.Sleep(20 * time.Millisecond)

	out = env.mustRun("--format", "json", "sync")
	var authed struct {
		Data orchestrator.PassSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &authed))
	assert.Equal(t, 1, authed.Data.Uploaded)

	assert.Contains(t, env.mustRun("logout"), "Server token removed.")
}

func TestLogin_EmptyToken(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("login", "  ")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, exitCode(err))
}
