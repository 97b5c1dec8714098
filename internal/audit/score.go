package audit

import (
	"math"

	"github.com/fablepress/revision-cli/internal/model"
)

// Score computes the consistency score on a 1..10 scale:
// max(1, 10 - 2*critical - 1*major - 0.5*minor), rounded to one decimal.
func Score(violations []model.Violation) float64 {
	score := 10.0
	for _, v := range violations {
		switch v.Severity {
		case model.SeverityCritical:
			score -= 2.0
		case model.SeverityMajor:
			score -= 1.0
		case model.SeverityMinor:
			score -= 0.5
		}
	}
	if score < 1 {
		score = 1
	}
	return math.Round(score*10) / 10
}
