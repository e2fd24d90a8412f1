package models

import "time"

// Step is where an individual currently is in the conversation.
type Step string

const (
	StepAwaitingContact   Step = "awaiting_contact"
	StepAwaitingAPIKey    Step = "awaiting_api_key"
	StepAwaitingModel     Step = "awaiting_model"
	StepAwaitingCV        Step = "awaiting_cv"
	StepAwaitingTerms     Step = "awaiting_terms"
	StepAwaitingCountries Step = "awaiting_countries"
	StepSearching         Step = "searching"
	StepReviewing         Step = "reviewing"
	StepIdle              Step = "idle"

	// Side steps; they always return to Session.ReturnStep.
	StepAwaitingFeedback Step = "awaiting_feedback"
	StepLoggingInterview Step = "logging_interview"
	StepEditingAPIKey    Step = "editing_api_key"
	StepEditingModel     Step = "editing_model"
)

// IsSideStep reports whether the step is a detour that resumes ReturnStep.
func (s Step) IsSideStep() bool {
	switch s {
	case StepAwaitingFeedback, StepLoggingInterview, StepEditingAPIKey, StepEditingModel:
		return true
	}
	return false
}

// InterviewField is the question the interview dialog is waiting on.
type InterviewField string

const (
	InterviewSalary   InterviewField = "salary"
	InterviewCurrency InterviewField = "currency"
	InterviewStages   InterviewField = "stages"
	InterviewRating   InterviewField = "rating"
	InterviewNotes    InterviewField = "notes"
)

type InterviewDraft struct {
	JobID    string         `json:"job_id"`
	Field    InterviewField `json:"field"`
	Salary   string         `json:"salary,omitempty"`
	Currency string         `json:"currency,omitempty"`
	Stages   string         `json:"stages,omitempty"`
	Rating   int            `json:"rating,omitempty"`
}

// Session is the persisted conversation state of one individual.
type Session struct {
	Individual string `json:"individual"`
	Name       string `json:"name,omitempty"`
	Step       Step   `json:"step"`
	ReturnStep Step   `json:"return_step,omitempty"`

	Phone      string   `json:"phone,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Model      string   `json:"model,omitempty"`
	ResumeText string   `json:"resume_text,omitempty"`
	HasResume  bool     `json:"has_resume"`
	Terms      []string `json:"terms,omitempty"`
	Countries  []string `json:"countries,omitempty"`
	RemoteOnly bool     `json:"remote_only"`

	// Phase is the next phase the current run has to execute (0: no run).
	Phase           int       `json:"phase"`
	PendingPairings []Pairing `json:"pending_pairings,omitempty"`
	SearchDone      bool      `json:"search_done"`
	CurrentJobID    string    `json:"current_job_id,omitempty"`
	// Delivered and Discarded count the cards of the current run.
	Delivered int `json:"delivered"`
	Discarded int `json:"discarded"`

	Interview    *InterviewDraft `json:"interview,omitempty"`
	NoAINotified bool            `json:"no_ai_notified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns the state of an individual the bot has never seen.
func NewSession(individual string) *Session {
	return &Session{Individual: individual, Step: StepAwaitingContact}
}

// HasProfile reports whether /start can skip the onboarding steps.
func (s *Session) HasProfile() bool {
	return s.HasResume && len(s.Terms) > 0
}

// Resumable reports whether a search run was started and never finished.
func (s *Session) Resumable() bool {
	return s.Phase > 0 && !s.SearchDone
}

// Clone returns a deep copy so callers can mutate without touching the original.
func (s *Session) Clone() *Session {
	c := *s
	c.Terms = append([]string(nil), s.Terms...)
	c.Countries = append([]string(nil), s.Countries...)
	c.PendingPairings = append([]Pairing(nil), s.PendingPairings...)
	if s.Interview != nil {
		draft := *s.Interview
		c.Interview = &draft
	}
	return &c
}

// QueueEntry is one undelivered job in an individual's delivery queue.
type QueueEntry struct {
	Seq        int64     `json:"seq"`
	Individual string    `json:"individual"`
	JobID      string    `json:"job_id"`
	Phase      int       `json:"phase"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
