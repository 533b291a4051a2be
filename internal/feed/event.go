package feed

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Domain string

const (
	DomainMeteorological Domain = "meteorological"
	DomainPolitical      Domain = "political"
	DomainEconomical     Domain = "economical"
	DomainSocial         Domain = "social"
	DomainIntelligence   Domain = "intelligence"
	DomainMarket         Domain = "market"

	// DomainUnknown only appears on the read path when metadata is missing.
	DomainUnknown Domain = "unknown"
)

var knownDomains = []Domain{
	DomainMeteorological,
	DomainPolitical,
	DomainEconomical,
	DomainSocial,
	DomainIntelligence,
	DomainMarket,
}

func Domains() []Domain {
	out := make([]Domain, len(knownDomains))
	copy(out, knownDomains)
	return out
}

func ParseDomain(raw string) (Domain, error) {
	value := Domain(strings.ToLower(strings.TrimSpace(raw)))
	for _, d := range knownDomains {
		if d == value {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown domain %q", raw)
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func ParseSeverity(raw string) (Severity, error) {
	switch value := Severity(strings.ToLower(strings.TrimSpace(raw))); value {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return value, nil
	default:
		return "", fmt.Errorf("severity must be low, medium or high, got %q", raw)
	}
}

type ImpactType string

const (
	ImpactRisk        ImpactType = "risk"
	ImpactOpportunity ImpactType = "opportunity"
)

func ParseImpactType(raw string) (ImpactType, error) {
	switch value := ImpactType(strings.ToLower(strings.TrimSpace(raw))); value {
	case ImpactRisk, ImpactOpportunity:
		return value, nil
	default:
		return "", fmt.Errorf("impact_type must be risk or opportunity, got %q", raw)
	}
}

// Event is an accepted unit of the feed.
type Event struct {
	EventID         string            `json:"event_id"`
	Domain          Domain            `json:"domain"`
	Summary         string            `json:"summary"`
	Severity        Severity          `json:"severity"`
	ImpactType      ImpactType        `json:"impact_type"`
	ConfidenceScore float64           `json:"confidence_score"`
	Timestamp       string            `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks an event at the ingestion boundary.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("summary is required")
	}
	if _, err := ParseDomain(string(e.Domain)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	if _, err := ParseImpactType(string(e.ImpactType)); err != nil {
		return err
	}
	if math.IsNaN(e.ConfidenceScore) || e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score must be in [0,1], got %v", e.ConfidenceScore)
	}
	if e.Timestamp != "" {
		if _, err := ParseTimestamp(e.Timestamp); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
	}
	return nil
}

// FormatTimestamp renders t the way events and posts carry timestamps.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO form some sources emit.
func ParseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
