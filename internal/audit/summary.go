package audit

import (
	"fmt"
	"strings"

	"github.com/fablepress/revision-cli/internal/model"
)

// buildSummary renders a human-readable digest of an audit result.
func buildSummary(r *Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Consistency score: %.1f/10\n", r.Score)

	counts := map[model.Severity]int{}
	for _, v := range r.Violations {
		counts[v.Severity]++
	}
	fmt.Fprintf(&b, "Violations: %d total (%d critical, %d major, %d minor)\n",
		len(r.Violations),
		counts[model.SeverityCritical],
		counts[model.SeverityMajor],
		counts[model.SeverityMinor],
	)

	if len(r.Violations) > 0 {
		b.WriteString("\nTop findings:\n")
		listed := 0
		for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityMajor, model.SeverityMinor} {
			for _, v := range r.Violations {
				if v.Severity != sev || listed >= 10 {
					continue
				}
				fmt.Fprintf(&b, "- [%s] ch%d %s: %s\n", v.Severity, v.ChapterNumber, v.Type, v.Description)
				listed++
			}
		}
	}

	fmt.Fprintf(&b, "\nTracked entities: %d characters, %d locations, %d timeline events\n",
		len(r.Characters), len(r.Locations), len(r.Timeline))

	var dead []string
	for _, c := range r.Characters {
		if c.Status == StatusDead {
			dead = append(dead, c.Name)
		}
	}
	if len(dead) > 0 {
		fmt.Fprintf(&b, "Deceased characters: %s\n", strings.Join(dead, ", "))
	}

	return strings.TrimSpace(b.String())
}
