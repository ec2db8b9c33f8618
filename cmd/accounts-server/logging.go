package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs every request through slog. Only the path is recorded:
// OAuth callbacks carry the authorization code and state in the query.
func requestLogger() func(http.Handler) http.Handler {
	return middleware.RequestLogger(slogFormatter{})
}

type slogFormatter struct{}

func (slogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &slogEntry{
		method:    r.Method,
		path:      r.URL.Path,
		remote:    r.RemoteAddr,
		requestID: middleware.GetReqID(r.Context()),
	}
}

type slogEntry struct {
	method    string
	path      string
	remote    string
	requestID string
}

func (e *slogEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	slog.Info("HTTP request",
		"method", e.method,
		"path", e.path,
		"status", status,
		"bytes", bytes,
		"duration", elapsed,
		"remote_addr", e.remote,
		"request_id", e.requestID)
}

func (e *slogEntry) Panic(v interface{}, stack []byte) {
	slog.Error("Handler panicked",
		"method", e.method,
		"path", e.path,
		"request_id", e.requestID,
		"panic", v,
		"stack", string(stack))
}
