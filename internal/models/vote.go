package models

import "time"

type Verdict string

const (
	VerdictRelevant    Verdict = "up"
	VerdictNotRelevant Verdict = "down"
)

// ParseVerdict accepts the callback spelling of a vote.
func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictRelevant, VerdictNotRelevant:
		return Verdict(s), true
	}
	return "", false
}

type Vote struct {
	Individual string    `json:"individual"`
	JobID      string    `json:"job_id"`
	Verdict    Verdict   `json:"verdict"`
	VotedAt    time.Time `json:"voted_at"`
}

// VoteSummary aggregates every individual's vote on one job.
type VoteSummary struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

// Review is the cached AI assessment of a job for one individual.
type Review struct {
	Individual string    `json:"individual"`
	JobID      string    `json:"job_id"`
	Score      int       `json:"score"`
	Verdict    string    `json:"verdict"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

type Feedback struct {
	Individual string    `json:"individual"`
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryItem is one row of an individual's vote history.
type HistoryItem struct {
	Job     Job       `json:"job"`
	Verdict Verdict   `json:"verdict"`
	VotedAt time.Time `json:"voted_at"`
	Stage   Stage     `json:"stage,omitempty"`
}
