package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/monoklix/mediaproxy/internal/audit"
	"github.com/monoklix/mediaproxy/internal/recaptcha"
	"github.com/monoklix/mediaproxy/internal/redact"
	"github.com/monoklix/mediaproxy/internal/upstream"
)

// riskTokenField is the body field carrying the client's risk-verification
// token. It must never reach the media API as a body field.
const riskTokenField = "recaptchaToken"

// routeSpec declares one media route: inbound path, upstream path, and the
// assessment action expected for tokens arriving on it. An empty action
// means the route forwards without an assessment call.
type routeSpec struct {
	name         string
	path         string
	upstreamPath string
	action       string
}

// The seven media routes are declarative configurations over one pipeline.
var mediaRoutes = []routeSpec{
	{name: "veo_t2v", path: "/api/veo/generate-t2v", upstreamPath: "/video:batchAsyncGenerateVideoText", action: "veo_generate"},
	{name: "veo_i2v", path: "/api/veo/generate-i2v", upstreamPath: "/video:batchAsyncGenerateVideoStartImage", action: "veo_generate"},
	{name: "veo_status", path: "/api/veo/status", upstreamPath: "/video:batchCheckAsyncVideoGenerationStatus"},
	{name: "veo_upload", path: "/api/veo/upload", upstreamPath: ":uploadUserImage"},
	{name: "imagen_generate", path: "/api/imagen/generate", upstreamPath: "/whisk:generateImage"},
	{name: "imagen_recipe", path: "/api/imagen/run-recipe", upstreamPath: "/whisk:runImageRecipe"},
	{name: "imagen_upload", path: "/api/imagen/upload", upstreamPath: ":uploadUserImage"},
}

// handleMedia runs the forwarding pipeline for one route: extract
// credentials, verify the risk token when present, strip it from the body,
// forward, classify, relay.
func (s *Server) handleMedia(spec routeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		requestID := newRequestID()
		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		username := usernameFor(r)
		ctx, root := s.startSpan(r.Context(), "mediaproxy.request", trace.SpanKindServer, map[string]interface{}{
			"http.method":      r.Method,
			"http.route":       spec.path,
			"mediaproxy.route": spec.name,
		})
		defer root.End()

		ev := &audit.Event{
			RequestID: requestID,
			Route:     spec.path,
			Method:    r.Method,
			Username:  username,
		}
		var upstreamMs, assessmentMs float64
		defer func() {
			ev.DurationMs = float64(time.Since(start).Milliseconds())
			setSpanAttrs(root, map[string]interface{}{
				"mediaproxy.decision": string(ev.Decision),
				"http.status_code":    ev.Status,
			})
			s.emitAudit(ev)
			s.telemetry.RecordRequestMetrics(spec.name, string(ev.Decision), float64(time.Since(start).Milliseconds()), upstreamMs, assessmentMs)
		}()

		bearer, ok := parseBearerToken(r.Header.Get("Authorization"))
		if !ok || bearer == "" {
			s.logf(username, "[%s] no auth token provided", spec.name)
			ev.Decision = audit.DecisionAuthMissing
			ev.Status = http.StatusUnauthorized
			writeJSON(w, http.StatusUnauthorized, upstream.ErrorBody{Error: "No auth token provided"})
			return
		}

		body, err := decodeBody(w, r, s.cfg.Server.MaxRequestBodyBytes)
		if err != nil {
			if isRequestTooLarge(err) {
				ev.Decision = audit.DecisionBadRequest
				ev.Status = http.StatusRequestEntityTooLarge
				writeJSON(w, http.StatusRequestEntityTooLarge, upstream.ErrorBody{Error: "Request body too large"})
				return
			}
			ev.Decision = audit.DecisionBadRequest
			ev.Status = http.StatusBadRequest
			writeJSON(w, http.StatusBadRequest, upstream.ErrorBody{Error: "Invalid JSON body"})
			return
		}

		s.debugf(username, "[%s] request body: %s", spec.name, redact.Preview(body))

		riskToken, _ := body[riskTokenField].(string)
		delete(body, riskTokenField)

		if riskToken != "" && spec.action != "" {
			assessStart := time.Now()
			_, assessSpan := s.startSpan(ctx, "mediaproxy.recaptcha", trace.SpanKindClient, map[string]interface{}{
				"mediaproxy.recaptcha.action": spec.action,
			})
			verification := s.verifier.Verify(ctx, riskToken, bearer, spec.action)
			assessmentMs = float64(time.Since(assessStart).Milliseconds())
			setSpanAttrs(assessSpan, map[string]interface{}{
				"mediaproxy.recaptcha.success": verification.Success,
			})
			assessSpan.End()

			if !verification.Success {
				s.logf(username, "[%s] recaptcha verification failed: %s", spec.name, verification.Error)
				ev.Decision = audit.DecisionRecaptchaRejected
				ev.Status = http.StatusForbidden
				writeJSON(w, http.StatusForbidden, gateRejection(verification))
				return
			}
			ev.RecaptchaScore = &verification.Score
			s.debugf(username, "[%s] recaptcha passed, score %.2f", spec.name, verification.Score)
		}

		payload, err := json.Marshal(body)
		if err != nil {
			ev.Decision = audit.DecisionLocalError
			ev.Status = http.StatusInternalServerError
			writeJSON(w, http.StatusInternalServerError, upstream.ErrorBody{Error: err.Error()})
			return
		}

		upstreamStart := time.Now()
		_, upSpan := s.startSpan(ctx, "mediaproxy.upstream", trace.SpanKindClient, map[string]interface{}{
			"mediaproxy.upstream.path": spec.upstreamPath,
		})
		resp, err := s.forwarder.Post(ctx, spec.upstreamPath, bearer, payload, riskToken)
		upstreamMs = float64(time.Since(upstreamStart).Milliseconds())
		if err != nil {
			upSpan.End()
			s.logf(username, "[%s] upstream call failed: %v", spec.name, err)
			ev.Decision = audit.DecisionLocalError
			ev.Status = http.StatusInternalServerError
			writeJSON(w, http.StatusInternalServerError, upstream.ErrorBody{Error: err.Error()})
			return
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		setSpanAttrs(upSpan, map[string]interface{}{
			"mediaproxy.upstream.status": resp.StatusCode,
		})
		upSpan.End()
		if err != nil {
			s.logf(username, "[%s] reading upstream response failed: %v", spec.name, err)
			ev.Decision = audit.DecisionLocalError
			ev.Status = http.StatusInternalServerError
			writeJSON(w, http.StatusInternalServerError, upstream.ErrorBody{Error: err.Error()})
			return
		}

		status, out := upstream.Classify(resp.StatusCode, raw)
		ev.UpstreamStatus = resp.StatusCode
		ev.Status = status
		switch {
		case status < 300:
			ev.Decision = audit.DecisionAllow
			s.debugf(username, "[%s] upstream success", spec.name)
		case isRiskRequiredBody(out):
			ev.Decision = audit.DecisionUpstreamRiskNeeded
			s.logf(username, "[%s] upstream requires recaptcha verification", spec.name)
		default:
			ev.Decision = audit.DecisionUpstreamError
			s.logf(username, "[%s] upstream error, status %d", spec.name, resp.StatusCode)
		}
		writeJSON(w, status, out)
	}
}

// gateRejection is the canonical body for assessment failures local to the
// gate; the verification result is nested for client-side diagnostics.
func gateRejection(v recaptcha.Verification) upstream.ErrorBody {
	var denied upstream.NestedPermissionDenied
	denied.Error.Code = http.StatusForbidden
	denied.Error.Message = "reCAPTCHA evaluation failed"
	denied.Error.Status = "PERMISSION_DENIED"
	denied.Error.Details = v
	return upstream.ErrorBody{
		Error:         upstream.ErrRecaptchaRequired,
		Message:       "reCAPTCHA verification failed",
		OriginalError: denied,
	}
}

func isRiskRequiredBody(out any) bool {
	eb, ok := out.(upstream.ErrorBody)
	return ok && eb.Error == upstream.ErrRecaptchaRequired
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64) (map[string]any, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body := map[string]any{}
	err := json.NewDecoder(r.Body).Decode(&body)
	if errors.Is(err, io.EOF) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
