package core

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Validation limits for inbound kill reports. Oversized input is rejected
// at intake so a hostile producer cannot exhaust memory or disk.
const (
	MaxIdentifierLength   = 255
	MaxEvidenceItems      = 100
	MaxEvidenceItemBytes  = 10 * 1024
	MaxMetadataBytes      = 100 * 1024
	MaxDependencyCount    = 100
	MaxRecommendationByte = 1024
)

// identifierPattern whitelists module and instance identifiers: leading
// alphanumeric, then alphanumerics, underscore, dot or hyphen. Path
// separators and null bytes can never match.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,254}$`)

// ValidationError reports a single field that failed intake validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateIdentifier checks a module or instance identifier against the
// whitelist pattern. The ".." check is separate because dots are otherwise
// legal and a relative path segment must never reach the container runtime.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "cannot be empty"}
	}
	if len(value) > MaxIdentifierLength {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("too long: %d characters (max %d)", len(value), MaxIdentifierLength)}
	}
	if strings.Contains(value, "..") || strings.ContainsAny(value, `/\`) {
		return &ValidationError{Field: field, Reason: "path traversal detected"}
	}
	if strings.ContainsRune(value, '\x00') {
		return &ValidationError{Field: field, Reason: "contains null bytes"}
	}
	if !identifierPattern.MatchString(value) {
		return &ValidationError{Field: field, Reason: "must start with an alphanumeric and contain only alphanumerics, underscore, hyphen or dot"}
	}
	return nil
}

// ValidateScore checks that a score is a real number inside [0,1].
// The bounds themselves are accepted.
func ValidateScore(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	if value < 0.0 || value > 1.0 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be in [0,1], got %v", value)}
	}
	return nil
}

func validateEvidence(evidence []string) error {
	if len(evidence) > MaxEvidenceItems {
		return &ValidationError{Field: "evidence", Reason: fmt.Sprintf("too many items: %d (max %d)", len(evidence), MaxEvidenceItems)}
	}
	for i, item := range evidence {
		if len(item) > MaxEvidenceItemBytes {
			return &ValidationError{Field: fmt.Sprintf("evidence[%d]", i), Reason: fmt.Sprintf("too long: %d bytes (max %d)", len(item), MaxEvidenceItemBytes)}
		}
	}
	return nil
}

func validateDependencies(deps []string) error {
	if len(deps) > MaxDependencyCount {
		return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("too many items: %d (max %d)", len(deps), MaxDependencyCount)}
	}
	for i, dep := range deps {
		if err := ValidateIdentifier(fmt.Sprintf("dependencies[%d]", i), dep); err != nil {
			return err
		}
	}
	return nil
}

func validateMetadata(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}
	serialized, err := json.Marshal(metadata)
	if err != nil {
		return &ValidationError{Field: "metadata", Reason: "not serializable: " + err.Error()}
	}
	if len(serialized) > MaxMetadataBytes {
		return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("too large: %d bytes (max %d)", len(serialized), MaxMetadataBytes)}
	}
	return nil
}

// Validate checks every intake invariant on the report. The first failing
// field is returned as a *ValidationError.
func (kr *KillReport) Validate() error {
	if kr.KillID == "" {
		return &ValidationError{Field: "kill_id", Reason: "cannot be empty"}
	}
	if len(kr.KillID) > MaxIdentifierLength {
		return &ValidationError{Field: "kill_id", Reason: fmt.Sprintf("too long: %d characters (max %d)", len(kr.KillID), MaxIdentifierLength)}
	}
	if strings.ContainsRune(kr.KillID, '\x00') {
		return &ValidationError{Field: "kill_id", Reason: "contains null bytes"}
	}
	if kr.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "cannot be empty"}
	}
	if err := ValidateIdentifier("target_module", kr.TargetModule); err != nil {
		return err
	}
	if err := ValidateIdentifier("target_instance_id", kr.TargetInstanceID); err != nil {
		return err
	}
	if !kr.KillReason.Valid() {
		return &ValidationError{Field: "kill_reason", Reason: fmt.Sprintf("unknown value %q", string(kr.KillReason))}
	}
	if !kr.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown value %q", string(kr.Severity))}
	}
	if err := ValidateScore("confidence_score", kr.ConfidenceScore); err != nil {
		return err
	}
	if err := validateEvidence(kr.Evidence); err != nil {
		return err
	}
	if err := validateDependencies(kr.Dependencies); err != nil {
		return err
	}
	if kr.SourceAgent == "" {
		return &ValidationError{Field: "source_agent", Reason: "cannot be empty"}
	}
	if len(kr.SourceAgent) > MaxIdentifierLength {
		return &ValidationError{Field: "source_agent", Reason: fmt.Sprintf("too long: %d characters (max %d)", len(kr.SourceAgent), MaxIdentifierLength)}
	}
	return validateMetadata(kr.Metadata)
}

// ParseKillReport decodes and validates one stream payload. Any failure,
// malformed JSON included, surfaces as a *ValidationError so intake can
// record the event as undetermined and move on.
func ParseKillReport(payload []byte) (*KillReport, error) {
	var kr KillReport
	if err := json.Unmarshal(payload, &kr); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}
	if err := kr.Validate(); err != nil {
		return nil, err
	}

	// Absent arrays decode as nil; normalize so downstream code and the
	// round-trip encoding treat them as empty.
	if kr.Evidence == nil {
		kr.Evidence = []string{}
	}
	if kr.Dependencies == nil {
		kr.Dependencies = []string{}
	}
	return &kr, nil
}

// EncodeKillReport serializes a report back to its stream payload form.
// ParseKillReport(EncodeKillReport(kr)) yields an equal report.
func EncodeKillReport(kr *KillReport) ([]byte, error) {
	return json.Marshal(kr)
}
