package presence

import "time"

// Quality grades the link to the backend from probe round trips.
// Ordering matters: higher values are worse.
type Quality int

const (
	QualityGood Quality = iota
	QualityPoor
	QualityVeryPoor
	QualityOffline
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityVeryPoor:
		return "very-poor"
	case QualityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Degraded reports whether the link is bad enough that push delivery
// cannot be trusted and polling should run.
func (q Quality) Degraded() bool {
	return q >= QualityVeryPoor
}

// QualityChange is the payload of presence.quality_changed events.
type QualityChange struct {
	From Quality
	To   Quality
}

// Classify grades a probe result. Any probe error is offline no matter
// how fast the failure came back.
func Classify(rtt time.Duration, err error, goodBelow, poorBelow time.Duration) Quality {
	switch {
	case err != nil:
		return QualityOffline
	case rtt < goodBelow:
		return QualityGood
	case rtt < poorBelow:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}
