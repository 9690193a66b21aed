package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/monoklix/mediaproxy/internal/config"
	"github.com/monoklix/mediaproxy/internal/upstream"
)

// testBackends bundles the stubbed assessment and media-API servers plus
// call counters, so tests can assert which outbound legs actually ran.
type testBackends struct {
	assessmentCalls atomic.Int64
	upstreamCalls   atomic.Int64

	lastUpstreamPath string
	lastUpstreamBody []byte
	lastUpstreamHdr  http.Header

	assessment http.HandlerFunc
	media      http.HandlerFunc
}

func okAssessment(action string, score float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tokenProperties": map[string]any{"valid": true, "action": action},
			"riskAnalysis":    map[string]any{"score": score},
		})
	}
}

func newTestServer(t *testing.T, b *testBackends, mutate func(*config.Config)) *Server {
	t.Helper()

	assessSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.assessmentCalls.Add(1)
		if b.assessment != nil {
			b.assessment(w, r)
			return
		}
		okAssessment("veo_generate", 0.9)(w, r)
	}))
	t.Cleanup(assessSrv.Close)

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.upstreamCalls.Add(1)
		b.lastUpstreamPath = r.URL.Path
		b.lastUpstreamHdr = r.Header.Clone()
		b.lastUpstreamBody, _ = io.ReadAll(r.Body)
		if b.media != nil {
			b.media(w, r)
			return
		}
		w.Write([]byte(`{"operations":[{"operation":{"name":"op-1"}}]}`))
	}))
	t.Cleanup(mediaSrv.Close)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Upstream.BaseURL = mediaSrv.URL + "/v1"
	cfg.Recaptcha.BaseURL = assessSrv.URL
	cfg.Recaptcha.ProjectID = "proj-1"
	cfg.Recaptcha.SiteKey = "site-key"
	cfg.Logging.Level = "info"
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBodyMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &testBackends{}, nil)

	rr := doJSON(t, srv, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	m := decodeBodyMap(t, rr)
	if m["status"] != "ok" || m["timestamp"] == "" {
		t.Fatalf("unexpected health body %v", m)
	}
}

func TestMissingBearerReturns401WithNoOutboundCalls(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "", `{"requests":[]}`)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if m := decodeBodyMap(t, rr); m["error"] != "No auth token provided" {
		t.Fatalf("unexpected body %v", m)
	}
	if b.assessmentCalls.Load() != 0 || b.upstreamCalls.Load() != 0 {
		t.Fatalf("expected zero outbound calls, got assessment=%d upstream=%d",
			b.assessmentCalls.Load(), b.upstreamCalls.Load())
	}
}

func TestInvalidAssessmentBlocksUpstream(t *testing.T) {
	b := &testBackends{
		assessment: func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"tokenProperties": map[string]any{"valid": false, "action": "veo_generate"},
				"riskAnalysis":    map[string]any{"score": 0.9},
			})
		},
	}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok123",
		`{"requests":[],"recaptchaToken":"rc456"}`)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	m := decodeBodyMap(t, rr)
	if m["error"] != upstream.ErrRecaptchaRequired {
		t.Fatalf("expected RECAPTCHA_REQUIRED, got %v", m)
	}
	orig := m["originalError"].(map[string]any)["error"].(map[string]any)
	if orig["status"] != "PERMISSION_DENIED" || orig["code"] != float64(403) {
		t.Fatalf("unexpected nested error %v", orig)
	}
	if b.upstreamCalls.Load() != 0 {
		t.Fatal("media API must not be called after a gate rejection")
	}
}

func TestLowScoreBlocksUpstream(t *testing.T) {
	b := &testBackends{assessment: okAssessment("veo_generate", 0.1)}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok123",
		`{"requests":[],"recaptchaToken":"rc456"}`)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if m := decodeBodyMap(t, rr); m["error"] != upstream.ErrRecaptchaRequired {
		t.Fatalf("expected RECAPTCHA_REQUIRED, got %v", m)
	}
	if b.upstreamCalls.Load() != 0 {
		t.Fatal("media API must not be called for a low score")
	}
}

func TestValidAssessmentForwardsWithoutRiskToken(t *testing.T) {
	b := &testBackends{assessment: okAssessment("veo_generate", 0.9)}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok123",
		`{"requests":[{"textInput":{"prompt":"a cat"}}],"recaptchaToken":"rc456"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.assessmentCalls.Load() != 1 || b.upstreamCalls.Load() != 1 {
		t.Fatalf("expected one assessment and one upstream call, got %d/%d",
			b.assessmentCalls.Load(), b.upstreamCalls.Load())
	}

	var forwarded map[string]any
	if err := json.Unmarshal(b.lastUpstreamBody, &forwarded); err != nil {
		t.Fatalf("decode forwarded body: %v", err)
	}
	if _, present := forwarded["recaptchaToken"]; present {
		t.Fatal("risk token leaked into the upstream body")
	}
	if _, present := forwarded["requests"]; !present {
		t.Fatal("payload fields must be forwarded")
	}

	if b.lastUpstreamHdr.Get("Authorization") != "Bearer tok123" {
		t.Fatalf("bearer not injected: %q", b.lastUpstreamHdr.Get("Authorization"))
	}
	if b.lastUpstreamHdr.Get("Origin") != "https://labs.google" {
		t.Fatalf("fixed origin not set: %q", b.lastUpstreamHdr.Get("Origin"))
	}

	// Success payload relayed verbatim.
	m := decodeBodyMap(t, rr)
	if _, present := m["operations"]; !present {
		t.Fatalf("upstream success body not relayed: %v", m)
	}
}

func TestReplayProducesIndependentForwardedCalls(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, nil)

	body := `{"requests":[],"recaptchaToken":"rc456"}`
	for i := 0; i < 2; i++ {
		rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok123", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("replay %d: expected 200, got %d", i, rr.Code)
		}
	}

	if b.upstreamCalls.Load() != 2 || b.assessmentCalls.Load() != 2 {
		t.Fatalf("expected two independent call pairs, got assessment=%d upstream=%d",
			b.assessmentCalls.Load(), b.upstreamCalls.Load())
	}
}

func TestRoutesWithoutRiskTokenSkipAssessment(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok123", `{"operations":[]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if b.assessmentCalls.Load() != 0 {
		t.Fatal("no risk token means no assessment call")
	}
	if b.upstreamCalls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", b.upstreamCalls.Load())
	}
}

func TestMediaRoutesMapToUpstreamPaths(t *testing.T) {
	cases := []struct {
		path         string
		upstreamPath string
	}{
		{"/api/veo/generate-t2v", "/video:batchAsyncGenerateVideoText"},
		{"/api/veo/generate-i2v", "/video:batchAsyncGenerateVideoStartImage"},
		{"/api/veo/status", "/video:batchCheckAsyncVideoGenerationStatus"},
		{"/api/veo/upload", ":uploadUserImage"},
		{"/api/imagen/generate", "/whisk:generateImage"},
		{"/api/imagen/run-recipe", "/whisk:runImageRecipe"},
		{"/api/imagen/upload", ":uploadUserImage"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			b := &testBackends{}
			srv := newTestServer(t, b, nil)

			rr := doJSON(t, srv, http.MethodPost, tc.path, "tok", `{}`)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if want := "/v1" + tc.upstreamPath; b.lastUpstreamPath != want {
				t.Fatalf("expected upstream path %q, got %q", want, b.lastUpstreamPath)
			}
		})
	}
}

func TestUpstreamErrorRelayedVerbatim(t *testing.T) {
	b := &testBackends{
		media: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
		},
	}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/imagen/generate", "tok", `{}`)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 relay, got %d", rr.Code)
	}
	m := decodeBodyMap(t, rr)
	inner := m["error"].(map[string]any)
	if inner["message"] != "Quota exceeded" {
		t.Fatalf("upstream error body altered: %v", m)
	}
}

func TestUpstream403TranslatedToRecaptchaRequired(t *testing.T) {
	b := &testBackends{
		media: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":403,"message":"Permission denied","status":"PERMISSION_DENIED"}}`))
		},
	}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok", `{"requests":[]}`)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	m := decodeBodyMap(t, rr)
	if m["error"] != upstream.ErrRecaptchaRequired {
		t.Fatalf("expected translation, got %v", m)
	}
	if m["originalError"] == nil {
		t.Fatal("original upstream error must be wrapped")
	}
}

func TestUpstreamNonJSONBecomesBadGatewayBody(t *testing.T) {
	b := &testBackends{
		media: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("<html>boom</html>"))
		},
	}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok", `{}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected original status 500, got %d", rr.Code)
	}
	m := decodeBodyMap(t, rr)
	if m["error"] != "Bad Gateway" || !strings.Contains(m["details"].(string), "boom") {
		t.Fatalf("expected synthesized bad gateway body, got %v", m)
	}
}

func TestUpstreamUnreachableReturns500(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, func(cfg *config.Config) {
		cfg.Upstream.BaseURL = "http://127.0.0.1:1"
	})

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok", `{}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if m := decodeBodyMap(t, rr); m["error"] == "" {
		t.Fatal("expected the failure message in the error field")
	}
}

func TestOversizedBodyReturns413(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, func(cfg *config.Config) {
		cfg.Server.MaxRequestBodyBytes = 16
	})

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok",
		`{"payload":"`+strings.Repeat("a", 64)+`"}`)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if b.upstreamCalls.Load() != 0 {
		t.Fatal("oversized body must not be forwarded")
	}
}

func TestMalformedJSONReturns400(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok", `{not json`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if b.upstreamCalls.Load() != 0 {
		t.Fatal("malformed body must not be forwarded")
	}
}

func TestMediaRouteRejectsGet(t *testing.T) {
	srv := newTestServer(t, &testBackends{}, nil)

	rr := doJSON(t, srv, http.MethodGet, "/api/veo/generate-t2v", "tok", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv := newTestServer(t, &testBackends{}, nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/status", "tok", `{}`)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
}

func TestAPIKeyModeForwardsStaticKeyAndRelocatedToken(t *testing.T) {
	b := &testBackends{}
	srv := newTestServer(t, b, func(cfg *config.Config) {
		cfg.Upstream.CredentialMode = "api_key"
		cfg.Upstream.APIKey = "static-media-key"
	})

	rr := doJSON(t, srv, http.MethodPost, "/api/veo/generate-t2v", "tok",
		`{"requests":[],"recaptchaToken":"rc456"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if b.lastUpstreamHdr.Get("X-Goog-Api-Key") != "static-media-key" {
		t.Fatal("static api key header missing")
	}
	if b.lastUpstreamHdr.Get("X-Recaptcha-Token") != "rc456" {
		t.Fatal("risk token not relocated to its header")
	}
	var forwarded map[string]any
	json.Unmarshal(b.lastUpstreamBody, &forwarded)
	if _, present := forwarded["recaptchaToken"]; present {
		t.Fatal("risk token must not remain in the body")
	}
}
