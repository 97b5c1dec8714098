package audit

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// CharacterStatus tracks whether a character is known to be alive.
type CharacterStatus string

const (
	StatusAlive   CharacterStatus = "alive"
	StatusDead    CharacterStatus = "dead"
	StatusUnknown CharacterStatus = "unknown"
)

// CharacterState is the accumulated knowledge about one character.
type CharacterState struct {
	Name            string          `json:"name"`
	Status          CharacterStatus `json:"status"`
	Injuries        []string        `json:"injuries,omitempty"`
	FirstAppearance int             `json:"first_appearance"`
	LastAppearance  int             `json:"last_appearance"`
}

// LocationState is the accumulated knowledge about one location.
type LocationState struct {
	Name            string   `json:"name"`
	FirstMention    int      `json:"first_mention"`
	Characteristics []string `json:"characteristics,omitempty"`
}

// TimelineEvent is one ordered narrative event.
type TimelineEvent struct {
	Event      string `json:"event"`
	Chapter    int    `json:"chapter"`
	Importance string `json:"importance,omitempty"`
}

// EntityState is the world-model accumulated across batches within one
// audit. It is owned exclusively by a single Engine.Audit invocation and
// discarded when the audit completes; only the exported snapshot
// survives.
type EntityState struct {
	characters map[string]*CharacterState
	locations  map[string]*LocationState
	timeline   []TimelineEvent

	fold cases.Caser
}

// NewEntityState returns an empty world-model.
func NewEntityState() *EntityState {
	return &EntityState{
		characters: make(map[string]*CharacterState),
		locations:  make(map[string]*LocationState),
		fold:       cases.Fold(),
	}
}

func (s *EntityState) key(name string) string {
	return s.fold.String(strings.TrimSpace(name))
}

// CharacterReport is one character sighting extracted from a batch.
type CharacterReport struct {
	Name            string          `json:"name"`
	Status          CharacterStatus `json:"status"`
	Injuries        []string        `json:"injuries,omitempty"`
	FirstAppearance int             `json:"first_appearance,omitempty"`
	LastAppearance  int             `json:"last_appearance,omitempty"`
}

// LocationReport is one location sighting extracted from a batch.
type LocationReport struct {
	Name            string   `json:"name"`
	FirstMention    int      `json:"first_mention,omitempty"`
	Characteristics []string `json:"characteristics,omitempty"`
}

// EntityReport is the entity portion of one batch's structured payload.
type EntityReport struct {
	Characters []CharacterReport `json:"characters,omitempty"`
	Locations  []LocationReport  `json:"locations,omitempty"`
	Timeline   []TimelineEvent   `json:"timeline,omitempty"`
}

// Merge folds one batch report into the state. Idempotent under repeated
// identical input: injury sets are unioned, appearance bounds extended
// only outward, and locations recorded on first mention only. A dead
// status is sticky; a later "alive" report never reverts it. A dead
// character acting alive is the defect class the engine flags, not a
// state update.
func (s *EntityState) Merge(report EntityReport) {
	for _, cr := range report.Characters {
		if strings.TrimSpace(cr.Name) == "" {
			continue
		}
		k := s.key(cr.Name)
		existing, ok := s.characters[k]
		if !ok {
			status := cr.Status
			if status == "" {
				status = StatusUnknown
			}
			s.characters[k] = &CharacterState{
				Name:            strings.TrimSpace(cr.Name),
				Status:          status,
				Injuries:        dedupeStrings(nil, cr.Injuries),
				FirstAppearance: cr.FirstAppearance,
				LastAppearance:  maxInt(cr.FirstAppearance, cr.LastAppearance),
			}
			continue
		}

		if cr.Status == StatusDead {
			existing.Status = StatusDead
		} else if existing.Status != StatusDead && cr.Status != "" && cr.Status != StatusUnknown {
			existing.Status = cr.Status
		}
		existing.Injuries = dedupeStrings(existing.Injuries, cr.Injuries)
		if cr.FirstAppearance > 0 && (existing.FirstAppearance == 0 || cr.FirstAppearance < existing.FirstAppearance) {
			existing.FirstAppearance = cr.FirstAppearance
		}
		if cr.LastAppearance > existing.LastAppearance {
			existing.LastAppearance = cr.LastAppearance
		}
		if cr.FirstAppearance > existing.LastAppearance {
			existing.LastAppearance = cr.FirstAppearance
		}
	}

	for _, lr := range report.Locations {
		if strings.TrimSpace(lr.Name) == "" {
			continue
		}
		k := s.key(lr.Name)
		if _, ok := s.locations[k]; ok {
			continue // first mention wins
		}
		s.locations[k] = &LocationState{
			Name:            strings.TrimSpace(lr.Name),
			FirstMention:    lr.FirstMention,
			Characteristics: dedupeStrings(nil, lr.Characteristics),
		}
	}

	// Timeline events are appended in batch order, never deduplicated.
	s.timeline = append(s.timeline, report.Timeline...)
}

// Character returns the tracked state for name, or nil.
func (s *EntityState) Character(name string) *CharacterState {
	return s.characters[s.key(name)]
}

// Location returns the tracked state for name, or nil.
func (s *EntityState) Location(name string) *LocationState {
	return s.locations[s.key(name)]
}

// Characters returns all tracked characters ordered by first appearance,
// then name.
func (s *EntityState) Characters() []CharacterState {
	out := make([]CharacterState, 0, len(s.characters))
	for _, c := range s.characters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAppearance != out[j].FirstAppearance {
			return out[i].FirstAppearance < out[j].FirstAppearance
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Locations returns all tracked locations ordered by first mention, then
// name.
func (s *EntityState) Locations() []LocationState {
	out := make([]LocationState, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstMention != out[j].FirstMention {
			return out[i].FirstMention < out[j].FirstMention
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Timeline returns the accumulated events in batch order.
func (s *EntityState) Timeline() []TimelineEvent {
	return append([]TimelineEvent(nil), s.timeline...)
}

// noPriorContext is embedded in the first batch's prompt where later
// batches carry the accumulated summary.
const noPriorContext = "No prior context: this is the first batch of the manuscript."

// Summarize renders the state as the "previous context" block for the
// next batch's prompt: character statuses with injuries, plus known
// location names.
func (s *EntityState) Summarize() string {
	if len(s.characters) == 0 && len(s.locations) == 0 {
		return noPriorContext
	}

	var b strings.Builder
	if chars := s.Characters(); len(chars) > 0 {
		b.WriteString("Known characters:\n")
		for _, c := range chars {
			fmt.Fprintf(&b, "- %s: %s", c.Name, c.Status)
			if len(c.Injuries) > 0 {
				fmt.Fprintf(&b, " (injuries: %s)", strings.Join(c.Injuries, ", "))
			}
			if c.LastAppearance > 0 {
				fmt.Fprintf(&b, ", last seen chapter %d", c.LastAppearance)
			}
			b.WriteString("\n")
		}
	}
	if locs := s.Locations(); len(locs) > 0 {
		b.WriteString("Known locations: ")
		names := make([]string, len(locs))
		for i, l := range locs {
			names[i] = l.Name
		}
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// dedupeStrings unions extra into base, preserving base order and
// first-seen order of additions. Comparison is case-insensitive.
func dedupeStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := base
	for _, s := range base {
		seen[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for _, s := range extra {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := strings.ToLower(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
