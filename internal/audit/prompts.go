package audit

import (
	"fmt"
	"strings"

	"github.com/fablepress/revision-cli/internal/model"
)

const auditSystemText = `You are a continuity editor auditing a manuscript for internal consistency. Track characters, locations, and the timeline across chapters. Report every contradiction you find. Return a valid JSON object matching the requested schema and nothing else.`

const batchPromptTemplate = `Audit the following manuscript chapters for consistency defects.

Genre: %s
Language: %s

Previous context from earlier chapters:
%s

Chapters to audit:
%s

Check for these defect types:
- character_resurrection: a character established as dead acts, speaks, or appears alive
- ignored_injury: an established injury vanishes without explanation
- location_inconsistency: a location contradicts its established characteristics
- identity_contradiction: a character's identity, name, or defining trait contradicts earlier chapters
- timeline_error: events out of order or impossible given the established timeline
- knowledge_leak: a character knows something they could not yet know
- object_inconsistency: an object appears, disappears, or changes state impossibly

Return a valid JSON object:
{
  "violations": [{"chapter_number": <int>, "type": "<defect type>", "severity": "critical|major|minor", "description": "<what contradicts what>", "affected_entities": ["<name>"], "text_fragment": "<offending excerpt>", "suggested_fix": "<how to repair it>"}],
  "characters": [{"name": "<name>", "status": "alive|dead|unknown", "injuries": ["<injury>"], "first_appearance": <chapter>, "last_appearance": <chapter>}],
  "locations": [{"name": "<name>", "first_mention": <chapter>, "characteristics": ["<trait>"]}],
  "timeline": [{"event": "<event>", "chapter": <chapter>, "importance": "high|medium|low"}]
}`

// buildBatchPrompt renders one batch of chapters plus the accumulated
// previous-context summary. Each chapter's text is truncated to
// charCap to bound prompt size.
func buildBatchPrompt(chapters []model.Chapter, genre, language, prevContext string, charCap int) string {
	var b strings.Builder
	for _, ch := range chapters {
		text := ch.Text
		if charCap > 0 && len(text) > charCap {
			text = text[:charCap]
		}
		fmt.Fprintf(&b, "--- Chapter %d: %s ---\n%s\n\n", ch.Number, ch.Title, text)
	}

	if genre == "" {
		genre = "fiction"
	}
	if language == "" {
		language = "English"
	}

	return fmt.Sprintf(batchPromptTemplate, genre, language, prevContext, strings.TrimSpace(b.String()))
}
