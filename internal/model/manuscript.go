package model

// Chapter is one ordered unit of manuscript text.
type Chapter struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Document is the manuscript state a run operates on. Chapters are
// ordered by Number.
type Document struct {
	ID       string    `json:"id"`
	Genre    string    `json:"genre,omitempty"`
	Language string    `json:"language,omitempty"`
	Chapters []Chapter `json:"chapters"`
}

// TokenUsage tracks token consumption across inference calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
