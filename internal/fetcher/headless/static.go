package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// Static returns preconfigured credentials, for operators who export a browser session by hand.
type Static struct {
	creds harvest.Credentials
}

// NewStatic creates a Static authenticator.
func NewStatic(blob []byte) *Static {
	return &Static{creds: harvest.Credentials{Blob: blob}}
}

// Login returns the configured credentials, or an error when none were configured.
func (s *Static) Login(_ context.Context, _ []byte) (harvest.Credentials, error) {
	if len(s.creds.Blob) == 0 {
		return harvest.Credentials{}, errors.New("no static credentials configured")
	}
	return s.creds, nil
}
