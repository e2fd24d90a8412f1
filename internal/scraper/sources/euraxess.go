package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/pkg/httpclient"
)

// euraxessCountries maps country option values to Euraxess facet values.
var euraxessCountries = map[string]string{
	"portugal":    "Portugal",
	"spain":       "Spain",
	"france":      "France",
	"germany":     "Germany",
	"netherlands": "Netherlands",
	"uk":          "United Kingdom",
	"ireland":     "Ireland",
	"estonia":     "Estonia",
	"latvia":      "Latvia",
	"lithuania":   "Lithuania",
	"sweden":      "Sweden",
	"switzerland": "Switzerland",
	"norway":      "Norway",
	"usa":         "United States",
}

// EuraxessSource scrapes the Euraxess research job search pages.
type EuraxessSource struct {
	client  *httpclient.HttpClient
	baseURL string
	cfg     config.SourceConfig
}

func NewEuraxessSource(client *httpclient.HttpClient, cfg config.SourceConfig) *EuraxessSource {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 30
	}
	return &EuraxessSource{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
	}
}

func (e *EuraxessSource) GetName() string {
	return string(models.SourceEuraxess)
}

func (e *EuraxessSource) GetBaseURL() string {
	return e.baseURL
}

func (e *EuraxessSource) CountryScoped() bool {
	return true
}

func (e *EuraxessSource) searchURL(q Query) string {
	params := url.Values{}
	params.Set("f[0]", "offer_type:job_offer")
	params.Set("f[1]", "keywords:"+q.Term)
	if country, ok := euraxessCountries[strings.ToLower(q.Country)]; ok {
		params.Set("f[2]", "offer_country:"+country)
	}
	params.Set("page", strconv.Itoa(q.Page))
	return e.baseURL + "/jobs/search?" + params.Encode()
}

func (e *EuraxessSource) Search(ctx context.Context, q Query) (Page, error) {
	body, err := e.client.GetBody(ctx, e.searchURL(q))
	if err != nil {
		return Page{}, fmt.Errorf("euraxess: %w", err)
	}
	doc, err := parseHTML(body)
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse Euraxess page: %w", err)
	}

	list := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "ul" && attr(n, "aria-label") == "Search results items"
	})
	if list == nil {
		return Page{Exhausted: true}, nil
	}
	items := children(list, element("li"))
	if len(items) == 0 {
		return Page{Exhausted: true}, nil
	}

	budget := e.cfg.MaxResults - q.Seen
	var jobs []models.Job
	for _, li := range items {
		if len(jobs) >= budget {
			break
		}
		job, ok := e.parseItem(li)
		if !ok {
			continue
		}
		job.Country = strings.ToLower(q.Country)
		job.SearchTerm = q.Term
		jobs = append(jobs, job)
	}

	exhausted := q.Page+1 >= e.cfg.MaxPages || q.Seen+len(jobs) >= e.cfg.MaxResults
	return Page{Listings: jobs, Exhausted: exhausted}, nil
}

func (e *EuraxessSource) parseItem(li *html.Node) (models.Job, bool) {
	h3 := findFirst(li, element("h3", "ecl-content-block__title"))
	link := findFirst(h3, element("a"))
	if link == nil {
		return models.Job{}, false
	}
	title := text(link)
	href := attr(link, "href")
	if title == "" || href == "" {
		return models.Job{}, false
	}
	if strings.HasPrefix(href, "/") {
		href = e.baseURL + href
	}

	job := models.Job{
		URL:    href,
		Title:  title,
		Source: models.SourceEuraxess,
	}

	meta := findAll(li, element("", "ecl-content-block__primary-meta-item"))
	if len(meta) > 0 {
		job.Company = text(meta[0])
	}
	if len(meta) > 1 {
		job.DatePosted = strings.TrimSpace(strings.TrimPrefix(text(meta[1]), "Posted on:"))
	}

	countryLabel := text(findFirst(li, element("", "ecl-label", "ecl-label--highlight")))
	job.Description = text(findFirst(li, element("", "ecl-content-block__description")))

	if loc := findFirst(li, classContains("div", "id-Work-Locations")); loc != nil {
		divs := findAll(loc, element("div"))
		if len(divs) > 0 {
			job.Location = text(divs[len(divs)-1])
		}
	}
	if job.Location == "" {
		job.Location = countryLabel
	}
	if deadline := findFirst(li, classContains("div", "id-Application-Deadline")); deadline != nil {
		job.Deadline = attr(findFirst(deadline, element("time")), "datetime")
	}
	return job, true
}
