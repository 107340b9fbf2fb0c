package gateguard

import "time"

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DenyCategory maps a denial to its HTTP response class.
type DenyCategory string

const (
	CategoryMalformed DenyCategory = "malformed" // 400
	CategoryPolicy    DenyCategory = "policy"    // 403
	CategoryRate      DenyCategory = "rate"      // 429
	CategorySystem    DenyCategory = "system"    // 503, fail closed
)

// Verdict is the outcome of one detector for one request.
type Verdict struct {
	Deny     bool
	Bypass   bool // whitelisted identity, skip the remaining detectors
	Detector string
	Category DenyCategory
	Severity Severity
	Status   int

	// EventType is the correlation event recorded for this denial, e.g.
	// SQL_INJECTION. Empty for allow verdicts.
	EventType string

	// Message is returned to the client. It never names a detector or a
	// pattern.
	Message string

	// BlockFor, when set, overrides the severity-based blacklist duration.
	BlockFor time.Duration

	// Detail is internal context for the audit log only.
	Detail string

	// Err marks a detector or store failure. The pipeline fails closed on
	// it regardless of the other fields.
	Err error
}

func Allow() Verdict {
	return Verdict{}
}

func Bypass(detector string) Verdict {
	return Verdict{Bypass: true, Detector: detector}
}

func Deny(detector string, cat DenyCategory, sev Severity, status int, eventType, message string) Verdict {
	return Verdict{
		Deny:      true,
		Detector:  detector,
		Category:  cat,
		Severity:  sev,
		Status:    status,
		EventType: eventType,
		Message:   message,
	}
}

func Fault(detector string, err error) Verdict {
	return Verdict{
		Deny:     true,
		Detector: detector,
		Category: CategorySystem,
		Severity: SeverityHigh,
		Status:   503,
		Message:  "Service unavailable",
		Err:      err,
	}
}
