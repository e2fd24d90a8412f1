package models

import (
	"strings"
	"time"
)

// Source identifies where a listing was found.
type Source string

// The six sources a listing can come from. The first four are reached through
// the JobSpy aggregator.
const (
	SourceLinkedIn  Source = "linkedin"
	SourceIndeed    Source = "indeed"
	SourceGlassdoor Source = "glassdoor"
	SourceGoogle    Source = "google"
	SourceEuraxess  Source = "euraxess"
	SourceIBEC      Source = "ibec"
)

// AllSources lists every known source in display order.
var AllSources = []Source{
	SourceLinkedIn, SourceIndeed, SourceGlassdoor, SourceGoogle, SourceEuraxess, SourceIBEC,
}

// ParseSource maps a config or wire value to a Source.
func ParseSource(s string) (Source, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, src := range AllSources {
		if string(src) == s {
			return src, true
		}
	}
	return "", false
}

type Job struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Country     string    `json:"country"`
	Remote      bool      `json:"remote"`
	Description string    `json:"description,omitempty"`
	Source      Source    `json:"source"`
	DatePosted  string    `json:"date_posted,omitempty"` // raw, as published by the source
	Deadline    string    `json:"deadline,omitempty"`
	SearchTerm  string    `json:"search_term,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	FoundBy     []string  `json:"found_by,omitempty"`
	Active      bool      `json:"active"`
}

// MatchesTerm reports whether term occurs in the title or description, ignoring case.
func (j Job) MatchesTerm(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(j.Title), term) ||
		strings.Contains(strings.ToLower(j.Description), term)
}

// Pairing is the unit of freshness: one search term in one country.
type Pairing struct {
	Term    string `json:"term"`
	Country string `json:"country"`
}

func (p Pairing) String() string {
	return p.Term + "@" + p.Country
}

// SearchRequest lives only for the duration of a conversation's search.
type SearchRequest struct {
	Individual string
	Terms      []string
	Countries  []string
	RemoteOnly bool
	Privileged bool
}

// Pairings expands the request into term x country tuples in request order.
func (r SearchRequest) Pairings() []Pairing {
	pairings := make([]Pairing, 0, len(r.Terms)*len(r.Countries))
	for _, term := range r.Terms {
		for _, country := range r.Countries {
			pairings = append(pairings, Pairing{Term: term, Country: country})
		}
	}
	return pairings
}

// SearchRecord is the log line kept for every search run.
type SearchRecord struct {
	Individual   string    `json:"individual"`
	Terms        []string  `json:"terms"`
	Countries    []string  `json:"countries"`
	ResultsCount int       `json:"results_count"`
	SearchedAt   time.Time `json:"searched_at"`
}
