// Package transport defines the HTTP binding shared by the sync client and
// the reference server.
package transport

import (
	"time"

	"github.com/kimhsiao/medisync/internal/models"
)

const (
	UploadPath  = "/v1/sync/upload"
	ChangesPath = "/v1/sync/changes"
	HealthPath  = "/healthz"

	// SinceParam carries the cursor on ChangesPath, formatted as RFC 3339 with nanoseconds.
	SinceParam = "since"
)

// UploadRequest is the body of POST UploadPath.
type UploadRequest struct {
	Entities []*models.SyncEntity `json:"entities" validate:"required,max=1000,dive,required"`
}

// UploadResponse acknowledges every stored entity.
type UploadResponse struct {
	Acks []models.UploadAck `json:"acks"`
}

// ChangesResponse is the body of GET ChangesPath.
type ChangesResponse struct {
	Entities []*models.SyncEntity `json:"entities"`
	// ServerTime is the server clock when the response was built.
	ServerTime time.Time `json:"server_time"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FormatSince encodes a cursor for SinceParam.
func FormatSince(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseSince decodes SinceParam. An empty value is the zero cursor.
func ParseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
