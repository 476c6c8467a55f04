// Package token obtains a search bearer token by asking a browser rendering API for the
// cookies an anonymous visit to the target site receives.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Config configures the Authorizer.
type Config struct {
	// Endpoint is the rendering API extract endpoint.
	Endpoint string
	APIKey   string
	// TargetURL is the page whose response cookies carry the token.
	TargetURL  string
	CookieName string
	Timeout    time.Duration
}

// Authorizer implements harvest.Authenticator with a rendering API round trip.
type Authorizer struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

type extractRequest struct {
	URL             string `json:"url"`
	BrowserHTML     bool   `json:"browserHtml"`
	ResponseCookies bool   `json:"responseCookies"`
}

type responseCookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Expires float64 `json:"expires"`
}

type extractResponse struct {
	ResponseCookies []responseCookie `json:"responseCookies"`
}

// New constructs an Authorizer. client may be nil.
func New(client *http.Client, cfg Config, logger *zap.Logger) (*Authorizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	if cfg.TargetURL == "" {
		cfg.TargetURL = "https://www.upwork.com/nx/search/jobs/"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "UniversalSearchNuxt_vt"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{client: client, cfg: cfg, logger: logger}, nil
}

// Login implements harvest.Authenticator. The previous token is never reusable.
func (a *Authorizer) Login(ctx context.Context, _ []byte) (harvest.Credentials, error) {
	payload, err := json.Marshal(extractRequest{URL: a.cfg.TargetURL, BrowserHTML: true, ResponseCookies: true})
	if err != nil {
		return harvest.Credentials{}, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return harvest.Credentials{}, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.APIKey, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return harvest.Credentials{}, fmt.Errorf("request token: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return harvest.Credentials{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return harvest.Credentials{}, fmt.Errorf("request token: unexpected status %d", resp.StatusCode)
	}

	var parsed extractResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return harvest.Credentials{}, fmt.Errorf("decode token response: %w", err)
	}
	for _, c := range parsed.ResponseCookies {
		if c.Name != a.cfg.CookieName || c.Value == "" {
			continue
		}
		creds := harvest.Credentials{Blob: []byte(c.Value)}
		if c.Expires > 0 {
			creds.ExpiresAt = time.Unix(int64(c.Expires), 0).UTC()
		}
		a.logger.Info("token retrieved", zap.Time("expires_at", creds.ExpiresAt))
		return creds, nil
	}
	return harvest.Credentials{}, fmt.Errorf("cookie %q not in response", a.cfg.CookieName)
}
