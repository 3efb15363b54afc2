package model

// Severity is one of the four classification tiers, ordered by restrictiveness.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for most-restrictive comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Severities lists all tiers from least to most restrictive.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ValidSeverity reports whether s is a recognized tier.
func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// MoreRestrictive reports whether a outranks b (CRITICAL > HIGH > MEDIUM > LOW).
func MoreRestrictive(a, b Severity) bool {
	return severityRank[a] > severityRank[b]
}

// MostRestrictive returns the highest-ranked severity in the list.
// Panics on empty input — callers filter first.
func MostRestrictive(ss []Severity) Severity {
	out := ss[0]
	for _, s := range ss[1:] {
		if MoreRestrictive(s, out) {
			out = s
		}
	}
	return out
}

// Routing is the destination of a finished classification.
type Routing string

const (
	RouteAutoAccept  Routing = "auto_accept"
	RouteHumanReview Routing = "human_review"
	RouteHumanTriage Routing = "human_triage"
)
