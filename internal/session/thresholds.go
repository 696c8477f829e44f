package session

import "time"

// Thresholds bundles the numeric knobs the Supervisor consults, sourced from
// config.Config (§6's "Configuration keys consumed").
type Thresholds struct {
	InactiveAfter         time.Duration
	SuppressAfterResize   time.Duration
	MinBytesForActiveMark int
	MaxRenderMarkers      int
	MaxActivityMarkers    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		InactiveAfter:         time.Second,
		SuppressAfterResize:   300 * time.Millisecond,
		MinBytesForActiveMark: 16,
		MaxRenderMarkers:      2000,
		MaxActivityMarkers:    10000,
	}
}
