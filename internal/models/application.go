package models

import (
	"math"
	"strings"
	"time"
)

// Stage is a step of an individual's application for a job.
type Stage string

const (
	StageApplied        Stage = "applied"
	StageScreening      Stage = "screening"
	StageInterview      Stage = "interview"
	StageOffer          Stage = "offer"
	StageClosedApproved Stage = "closed_approved"
	StageClosedRejected Stage = "closed_rejected"
)

// Stages is the ordered set used to render the stage picker.
var Stages = []Stage{
	StageApplied, StageScreening, StageInterview, StageOffer, StageClosedApproved, StageClosedRejected,
}

var stageLabels = map[Stage]string{
	StageApplied:        "Applied",
	StageScreening:      "Screening",
	StageInterview:      "Interview",
	StageOffer:          "Offer",
	StageClosedApproved: "Closed (approved)",
	StageClosedRejected: "Closed (rejected)",
}

func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// ParseStage accepts the stored value or the label, case-insensitive.
func ParseStage(s string) (Stage, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, stage := range Stages {
		if string(stage) == norm {
			return stage, true
		}
	}
	return "", false
}

type StageChange struct {
	From Stage     `json:"from,omitempty"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
}

type Application struct {
	Individual string        `json:"individual"`
	JobID      string        `json:"job_id"`
	Stage      Stage         `json:"stage"`
	History    []StageChange `json:"history"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type Interview struct {
	Individual string    `json:"individual"`
	JobID      string    `json:"job_id"`
	Salary     string    `json:"salary,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Stages     string    `json:"stages,omitempty"`
	Rating     int       `json:"rating"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InterviewSummary is derived on read, never stored.
type InterviewSummary struct {
	Count     int     `json:"count"`
	AvgRating float64 `json:"avg_rating"`
}

// SummarizeInterviews averages the ratings, rounded to one decimal.
func SummarizeInterviews(interviews []Interview) InterviewSummary {
	if len(interviews) == 0 {
		return InterviewSummary{}
	}
	total := 0
	for _, iv := range interviews {
		total += iv.Rating
	}
	avg := float64(total) / float64(len(interviews))
	return InterviewSummary{Count: len(interviews), AvgRating: math.Round(avg*10) / 10}
}
