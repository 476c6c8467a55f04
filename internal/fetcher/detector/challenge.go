// Package detector recognizes anti-bot interstitials served in place of API responses.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 4096
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = [][]byte{
	[]byte("cf-chl"),
	[]byte("challenge-platform"),
	[]byte("just a moment..."),
	[]byte("px-captcha"),
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("access to this page has been denied"),
}

// IsChallenge reports whether a successful response is really a bot challenge page.
// JSON bodies are never challenges.
func (h *Heuristic) IsChallenge(raw harvest.RawContent) bool {
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return false
	}
	body := bytes.TrimSpace(raw.Body)
	if len(body) == 0 || body[0] == '{' || body[0] == '[' {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(string(lower))
}

// scriptDensityHigh reports whether script elements cover at least a quarter of the page.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
