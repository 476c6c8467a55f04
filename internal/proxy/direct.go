package proxy

// Direct hands out the zero identity, routing every attempt without a proxy.
type Direct struct{}

// Acquire always returns the direct identity.
func (Direct) Acquire(Exclusions) (Identity, error) {
	return Identity{}, nil
}

// ReportBad is a no-op; a direct connection cannot be rotated away from.
func (Direct) ReportBad(Exclusions, Identity, string) {}
