// Package recaptcha calls the bot-risk assessment service and applies the
// proxy's acceptance policy to the result.
package recaptcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/monoklix/mediaproxy/internal/config"
	"github.com/monoklix/mediaproxy/internal/redact"
)

const maxAssessmentBodyBytes = 1 << 20

// Verification is the outcome of one assessment, evaluated against policy.
// It is embedded verbatim in rejection bodies, so field names are part of
// the client-facing contract.
type Verification struct {
	Success   bool    `json:"success"`
	Score     float64 `json:"score,omitempty"`
	Action    string  `json:"action,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Client talks to the assessment service. Auth mode "oauth" reuses the
// caller's bearer token; "api_key" appends a static service credential as a
// query parameter instead.
type Client struct {
	baseURL   string
	projectID string
	siteKey   string
	authMode  string
	apiKey    string
	threshold float64
	client    *http.Client
}

// NewClient builds a Client from config. The http.Client carries no timeout
// unless one is configured; callers pass a request context for cancellation.
func NewClient(cfg config.RecaptchaConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		siteKey:   cfg.SiteKey,
		authMode:  cfg.AuthMode,
		apiKey:    cfg.ResolveAPIKey(),
		threshold: cfg.ScoreThreshold,
		client: &http.Client{
			Timeout: cfg.Timeout.Std(),
		},
	}
}

type assessmentEvent struct {
	Token          string `json:"token"`
	ExpectedAction string `json:"expectedAction"`
	SiteKey        string `json:"siteKey"`
}

type assessmentRequest struct {
	Event assessmentEvent `json:"event"`
}

type assessmentResponse struct {
	TokenProperties struct {
		Valid  bool   `json:"valid"`
		Action string `json:"action"`
	} `json:"tokenProperties"`
	RiskAnalysis struct {
		Score float64 `json:"score"`
	} `json:"riskAnalysis"`
}

// Verify runs one assessment and applies the acceptance policy in order:
// transport failure, token validity, action match, score threshold. A
// failure at any step rejects; there is no fail-open path.
func (c *Client) Verify(ctx context.Context, token, bearerToken, expectedAction string) Verification {
	if token == "" {
		return Verification{Success: false, Error: "Missing token(s)"}
	}
	if c.authMode == "oauth" && bearerToken == "" {
		return Verification{Success: false, Error: "Missing token(s)"}
	}

	body, err := json.Marshal(assessmentRequest{
		Event: assessmentEvent{
			Token:          token,
			ExpectedAction: expectedAction,
			SiteKey:        c.siteKey,
		},
	})
	if err != nil {
		return Verification{Success: false, Error: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/projects/%s/assessments", c.baseURL, c.projectID)
	if c.authMode == "api_key" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Verification{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authMode == "oauth" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		redact.Logf("recaptcha: assessment call failed: %v", err)
		return Verification{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	limited, err := io.ReadAll(io.LimitReader(resp.Body, maxAssessmentBodyBytes))
	if err != nil {
		return Verification{Success: false, Error: err.Error()}
	}

	if resp.StatusCode >= 400 {
		redact.Logf("recaptcha: assessment rejected with status %d: %s", resp.StatusCode, limited)
		return Verification{Success: false, Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, limited)}
	}

	var assessment assessmentResponse
	if err := json.Unmarshal(limited, &assessment); err != nil {
		return Verification{Success: false, Error: fmt.Sprintf("decode assessment: %v", err)}
	}

	if !assessment.TokenProperties.Valid {
		return Verification{Success: false, Error: "Invalid token"}
	}
	if assessment.TokenProperties.Action != expectedAction {
		return Verification{Success: false, Error: "Action mismatch"}
	}

	score := assessment.RiskAnalysis.Score
	if score < c.threshold {
		return Verification{
			Success:   false,
			Score:     score,
			Threshold: c.threshold,
			Error:     "Score too low",
		}
	}

	return Verification{
		Success: true,
		Score:   score,
		Action:  assessment.TokenProperties.Action,
	}
}
