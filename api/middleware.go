package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"strings"

	"log/slog"
)

// Request headers carrying the soft caller identities. Neither is
// authenticated; the agent id is self-asserted and the fingerprint is a
// client-computed device hash.
const (
	HeaderAgentID     = "X-Agent-Id"
	HeaderFingerprint = "X-Fingerprint"
)

// package-level logger used by middleware and helpers; can be set via SetLogger from caller
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger installs a logger for the api package. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderAgentID+", "+HeaderFingerprint)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic", slog.Any("err", err))
				writeError(w, http.StatusInternalServerError, CodeServerError, "An internal error occurred.", nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// agentID returns the self-asserted agent identity, defaulting to "default"
// like the SDK does.
func agentID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderAgentID)); id != "" {
		return id
	}
	return "default"
}

// fingerprint anonymizes the client-supplied fingerprint header into a
// stable, non-reversible hash. An absent header yields an empty string.
func fingerprint(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get(HeaderFingerprint))
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
