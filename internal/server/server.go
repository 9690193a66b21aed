// Package server exposes the proxy's HTTP surface: the media route pipeline,
// the binary download relay, CORS mediation, and the health probe.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/monoklix/mediaproxy/internal/audit"
	"github.com/monoklix/mediaproxy/internal/config"
	"github.com/monoklix/mediaproxy/internal/recaptcha"
	"github.com/monoklix/mediaproxy/internal/redact"
	"github.com/monoklix/mediaproxy/internal/telemetry"
	"github.com/monoklix/mediaproxy/internal/upstream"
)

// Server wraps the HTTP components of the proxy.
type Server struct {
	mux       *http.ServeMux
	cfg       *config.Config
	verifier  *recaptcha.Client
	forwarder *upstream.Client
	audit     *audit.Emitter
	telemetry *telemetry.Provider
	cors      corsPolicy
	debug     bool
}

// New creates a server with all routes registered. The gate and forwarder
// take their credentials from cfg; nothing reads process-wide globals.
func New(cfg *config.Config, tel *telemetry.Provider, emitter *audit.Emitter) (*Server, error) {
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("build cors policy: %w", err)
	}

	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		verifier:  recaptcha.NewClient(cfg.Recaptcha),
		forwarder: upstream.NewClient(cfg.Upstream),
		audit:     emitter,
		telemetry: tel,
		cors:      policy,
		debug:     cfg.Logging.Level == "debug",
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	for _, spec := range mediaRoutes {
		s.mux.HandleFunc(spec.path, s.handleMedia(spec))
	}
	s.mux.HandleFunc("/api/veo/download-video", s.handleDownload)

	return s, nil
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.cors, s.mux)
}

// Start runs the HTTP server on the given address until it fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout.Std(),
	}
	redact.Logf("mediaproxy listening on %s (upstream %s)", addr, s.cfg.Upstream.BaseURL)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// parseBearerToken extracts the token from an Authorization: Bearer header.
func parseBearerToken(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func usernameFor(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-Username")); u != "" {
		return u
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		redact.Logf("failed to write response: %v", err)
	}
}

func newRequestID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return hex.EncodeToString(buf[:])
	}
	return hex.EncodeToString(buf[:])
}

// logf prints a request-scoped, redacted log line prefixed with the caller's
// username header.
func (s *Server) logf(username, format string, args ...interface{}) {
	redact.Logf("[%s] %s", username, redact.Sprintf(format, args...))
}

func (s *Server) debugf(username, format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.logf(username, format, args...)
}

func (s *Server) emitAudit(ev *audit.Event) {
	if s.audit == nil || ev == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.audit.Emit(ev)
}

func (s *Server) startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs map[string]interface{}) (context.Context, trace.Span) {
	tracer := s.telemetry.Tracer()
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(kind))
	setSpanAttrs(span, attrs)
	return ctx, span
}

func setSpanAttrs(span trace.Span, attrs map[string]interface{}) {
	if span == nil || len(attrs) == 0 {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kv = append(kv, attribute.String(k, val))
		case bool:
			kv = append(kv, attribute.Bool(k, val))
		case int:
			kv = append(kv, attribute.Int(k, val))
		case int64:
			kv = append(kv, attribute.Int64(k, val))
		case float64:
			kv = append(kv, attribute.Float64(k, val))
		default:
			kv = append(kv, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	span.SetAttributes(kv...)
}
