package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name          string
		path          string
		status        int
		expectedLevel zapcore.Level
	}{
		{"success", "/v1/notifications", http.StatusCreated, zapcore.InfoLevel},
		{"client error", "/v1/notifications", http.StatusBadRequest, zapcore.InfoLevel},
		{"server error", "/v1/notifications", http.StatusInternalServerError, zapcore.ErrorLevel},
		{"health probe", "/health", http.StatusOK, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected one log entry, got %d", len(entries))
			}
			e := entries[0]
			if e.Level != tt.expectedLevel {
				t.Errorf("expected level %s, got %s", tt.expectedLevel, e.Level)
			}
			fields := e.ContextMap()
			if fields["status"] != int64(tt.status) {
				t.Errorf("expected status %d, got %v", tt.status, fields["status"])
			}
			if fields["path"] != tt.path {
				t.Errorf("expected path %q, got %v", tt.path, fields["path"])
			}
			if fields["bytes"] != int64(4) {
				t.Errorf("expected 4 bytes, got %v", fields["bytes"])
			}
		})
	}
}

func TestRequestLogger_ImplicitOK(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/templates/x", nil))

	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	if got := logs.All()[0].ContextMap()["status"]; got != int64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", got)
	}
}
