package model

// ViolationType classifies a detected consistency defect.
type ViolationType string

const (
	ViolationCharacterResurrection ViolationType = "character_resurrection"
	ViolationIgnoredInjury         ViolationType = "ignored_injury"
	ViolationLocationInconsistency ViolationType = "location_inconsistency"
	ViolationIdentityContradiction ViolationType = "identity_contradiction"
	ViolationTimelineError         ViolationType = "timeline_error"
	ViolationKnowledgeLeak         ViolationType = "knowledge_leak"
	ViolationObjectInconsistency   ViolationType = "object_inconsistency"
)

// Severity ranks how badly a violation damages narrative consistency.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Violation is a detected consistency defect with its location and a
// suggested fix.
type Violation struct {
	ChapterNumber    int           `json:"chapter_number"`
	Type             ViolationType `json:"type"`
	Severity         Severity      `json:"severity"`
	Description      string        `json:"description"`
	AffectedEntities []string      `json:"affected_entities,omitempty"`
	TextFragment     string        `json:"text_fragment,omitempty"`
	SuggestedFix     string        `json:"suggested_fix,omitempty"`
}
