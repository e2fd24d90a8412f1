package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/pkg/httpclient"
)

// JobSpySource queries one site through a JobSpy API server, which fronts
// LinkedIn, Indeed, Glassdoor and Google Jobs.
type JobSpySource struct {
	client  *httpclient.HttpClient
	baseURL string
	site    string
	cfg     config.JobSpyConfig
}

func NewJobSpySource(client *httpclient.HttpClient, cfg config.JobSpyConfig, site string) *JobSpySource {
	return &JobSpySource{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		site:    strings.ToLower(site),
		cfg:     cfg,
	}
}

func (j *JobSpySource) GetName() string {
	return j.site
}

func (j *JobSpySource) GetBaseURL() string {
	return j.baseURL
}

func (j *JobSpySource) CountryScoped() bool {
	return true
}

// JobSpyResponse represents the API response of /api/v1/search_jobs
type JobSpyResponse struct {
	Count int         `json:"count"`
	Jobs  []JobSpyJob `json:"jobs"`
}

// JobSpyJob is one row of the JobSpy result frame. Missing values come back
// as null, so every field is optional.
type JobSpyJob struct {
	Site         string `json:"site"`
	JobURL       string `json:"job_url"`
	JobURLDirect string `json:"job_url_direct"`
	Title        string `json:"title"`
	Company      string `json:"company"`
	Location     string `json:"location"`
	DatePosted   string `json:"date_posted"`
	IsRemote     *bool  `json:"is_remote"`
	Description  string `json:"description"`
}

func (j *JobSpySource) searchURL(q Query) string {
	country := strings.ToLower(q.Country)
	location := j.cfg.Location
	if location == "" {
		location = country
	}
	params := url.Values{}
	params.Set("site_name", j.site)
	params.Set("search_term", q.Term)
	params.Set("location", location)
	params.Set("results_wanted", strconv.Itoa(j.cfg.ResultsPerTerm))
	params.Set("country_indeed", country)
	params.Set("is_remote", strconv.FormatBool(q.RemoteOnly || j.cfg.RemoteOnly))
	return j.baseURL + "/api/v1/search_jobs?" + params.Encode()
}

// Search returns every result of the site in one page.
func (j *JobSpySource) Search(ctx context.Context, q Query) (Page, error) {
	body, err := j.client.GetBody(ctx, j.searchURL(q))
	if err != nil {
		return Page{}, fmt.Errorf("jobspy %s: %w", j.site, err)
	}

	var response JobSpyResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return Page{}, fmt.Errorf("failed to parse JobSpy response: %w", err)
	}

	source, _ := models.ParseSource(j.site)
	jobs := make([]models.Job, 0, len(response.Jobs))
	for _, row := range response.Jobs {
		link := row.JobURL
		if link == "" {
			link = row.JobURLDirect
		}
		if link == "" || row.Title == "" {
			continue
		}
		remote := row.IsRemote != nil && *row.IsRemote
		if !remote && strings.Contains(strings.ToLower(row.Location), "remote") {
			remote = true
		}
		jobs = append(jobs, models.Job{
			URL:         link,
			Title:       row.Title,
			Company:     row.Company,
			Location:    row.Location,
			Country:     strings.ToLower(q.Country),
			Remote:      remote,
			Description: row.Description,
			Source:      source,
			DatePosted:  row.DatePosted,
			SearchTerm:  q.Term,
		})
	}

	return Page{Listings: jobs, Exhausted: true}, nil
}
