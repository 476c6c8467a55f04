package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

var notAuthenticatedMarker = []byte("not authenticated")

// classify maps a completed response onto the harvest error taxonomy.
func (f *Fetcher) classify(result harvest.RawContent) error {
	status := result.StatusCode
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("status %d: %w", status, harvest.ErrNotAuthenticated)
	case f.cfg.LoginPath != "" && strings.Contains(result.URL, f.cfg.LoginPath):
		return fmt.Errorf("redirected to login: %w", harvest.ErrNotAuthenticated)
	case status == http.StatusProxyAuthRequired:
		return harvest.Retryable("fetch", fmt.Errorf("status %d: %w", status, harvest.ErrProxy))
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return harvest.Retryable("fetch", fmt.Errorf("status %d: %w", status, harvest.ErrBlocked))
	case status == http.StatusNotFound || status == http.StatusGone:
		return harvest.Fatal("fetch", fmt.Errorf("target missing (status %d)", status))
	case status >= 500:
		return harvest.Retryable("fetch", fmt.Errorf("upstream status %d", status))
	case status >= 400:
		return harvest.Fatal("fetch", fmt.Errorf("request rejected (status %d)", status))
	case status == 0:
		return harvest.Retryable("fetch", errors.New("no response received"))
	}
	if f.challenge != nil && f.challenge.IsChallenge(result) {
		return harvest.Retryable("fetch", fmt.Errorf("challenge page served: %w", harvest.ErrBlocked))
	}
	if bytes.Contains(bytes.ToLower(result.Body), notAuthenticatedMarker) && looksLikeAuthError(result.Body) {
		return fmt.Errorf("body reports session loss: %w", harvest.ErrNotAuthenticated)
	}
	return nil
}

// looksLikeAuthError keeps the marker check to small error envelopes, not full pages.
func looksLikeAuthError(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) < 2048 && bytes.HasPrefix(trimmed, []byte("{"))
}

// classifyTransport maps network level failures; proxy failures implicate the identity.
func classifyTransport(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "proxyconnect"),
		strings.Contains(msg, "Proxy Authentication Required"),
		strings.Contains(msg, "tls: handshake timeout"):
		return harvest.Retryable("fetch", fmt.Errorf("%w: %v", harvest.ErrProxy, err))
	case errors.Is(err, context.DeadlineExceeded):
		return harvest.Retryable("fetch", fmt.Errorf("timeout: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return harvest.Retryable("fetch", fmt.Errorf("network: %w", err))
	}
	return harvest.Retryable("fetch", err)
}
