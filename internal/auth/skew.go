package auth

import "time"

type SkewStatus string

const (
	SkewOK       SkewStatus = "ok"
	SkewWarning  SkewStatus = "warning"
	SkewCritical SkewStatus = "critical"
)

// SkewGuard compares local time against opportunistic server timestamps.
// It holds no durable state; every check is a fresh comparison. A warning is
// surfaced to the operator but never invalidates tokens by itself.
type SkewGuard struct {
	warning  time.Duration
	critical time.Duration
}

func NewSkewGuard(warning, critical time.Duration) *SkewGuard {
	return &SkewGuard{warning: warning, critical: critical}
}

func (g *SkewGuard) Check(local, server time.Time) SkewStatus {
	if server.IsZero() {
		return SkewOK
	}
	skew := local.Sub(server)
	if skew < 0 {
		skew = -skew
	}
	switch {
	case skew >= g.critical:
		return SkewCritical
	case skew >= g.warning:
		return SkewWarning
	default:
		return SkewOK
	}
}
