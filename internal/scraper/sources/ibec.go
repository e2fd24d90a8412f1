package sources

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/pkg/httpclient"
)

const (
	ibecListingPath    = "/careers-at-ibec/jobs/jobs-scientific-and-technical-job-opportunities/"
	ibecDescriptionCap = 3000
)

var (
	ibecDeadlineRe = regexp.MustCompile(`[Dd]eadline[;:]?\s*(.+)`)
	ibecDateRe     = regexp.MustCompile(`(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})`)
)

// IBECSource scrapes the IBEC Barcelona careers listing. The listing is not
// searchable, so every posting's detail page is fetched and matched against
// the term locally.
type IBECSource struct {
	client  *httpclient.HttpClient
	baseURL string
	cfg     config.SourceConfig
	detail  *rate.Limiter
	now     func() time.Time
}

func NewIBECSource(client *httpclient.HttpClient, cfg config.SourceConfig, detailDelay time.Duration) *IBECSource {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	limit := rate.Inf
	if detailDelay > 0 {
		limit = rate.Every(detailDelay)
	}
	return &IBECSource{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		detail:  rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

func (s *IBECSource) GetName() string {
	return string(models.SourceIBEC)
}

func (s *IBECSource) GetBaseURL() string {
	return s.baseURL
}

func (s *IBECSource) CountryScoped() bool {
	return false
}

func (s *IBECSource) listingURL(page int) string {
	u := s.baseURL + ibecListingPath
	if page > 0 {
		u += "?paged9=" + strconv.Itoa(page+1)
	}
	return u
}

func (s *IBECSource) Search(ctx context.Context, q Query) (Page, error) {
	body, err := s.client.GetBody(ctx, s.listingURL(q.Page))
	if err != nil {
		return Page{}, fmt.Errorf("ibec listing page %d: %w", q.Page+1, err)
	}
	postings, err := s.parseListing(body)
	if err != nil {
		return Page{}, err
	}
	if len(postings) == 0 {
		return Page{Exhausted: true}, nil
	}

	budget := s.cfg.MaxResults - q.Seen
	var matched []models.Job
	for _, job := range postings {
		if len(matched) >= budget {
			break
		}
		if !s.deadlineOpen(job.Deadline) {
			continue
		}
		if err := s.detail.Wait(ctx); err != nil {
			return Page{}, err
		}
		job.Description = s.fetchDescription(ctx, job.URL)
		if !job.MatchesTerm(q.Term) {
			continue
		}
		job.SearchTerm = q.Term
		matched = append(matched, job)
	}

	exhausted := q.Page+1 >= s.cfg.MaxPages || q.Seen+len(matched) >= s.cfg.MaxResults
	return Page{Listings: matched, Exhausted: exhausted}, nil
}

func (s *IBECSource) parseListing(body []byte) ([]models.Job, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IBEC listing: %w", err)
	}
	content := findFirst(doc, element("div", "entry-content"))
	if content == nil {
		return nil, nil
	}

	var jobs []models.Job
	for _, area := range findAll(content, element("div", "post-content-area")) {
		h2 := findFirst(area, element("h2", "post-title"))
		link := findFirst(h2, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.Data == "a" && attr(n, "href") != ""
		})
		if link == nil {
			continue
		}
		title := text(link)
		href := attr(link, "href")
		if title == "" {
			continue
		}
		if !strings.HasPrefix(href, "http") {
			href = s.baseURL + "/" + strings.TrimLeft(href, "/")
		}
		jobs = append(jobs, models.Job{
			URL:        href,
			Title:      title,
			Company:    "IBEC Barcelona",
			Location:   "Barcelona, Spain",
			Country:    "spain",
			Source:     models.SourceIBEC,
			DatePosted: text(findFirst(area, element("div", "post-meta"))),
			Deadline:   extractDeadline(text(findFirst(area, element("div", "hover-excerpt")))),
		})
	}
	return jobs, nil
}

// fetchDescription returns the detail page text, or "" when it cannot be read.
func (s *IBECSource) fetchDescription(ctx context.Context, link string) string {
	body, err := s.client.GetBody(ctx, link)
	if err != nil {
		return ""
	}
	doc, err := parseHTML(body)
	if err != nil {
		return ""
	}
	return truncateRunes(textOf(findFirst(doc, element("div", "entry-content")), "\n"), ibecDescriptionCap)
}

func extractDeadline(excerpt string) string {
	m := ibecDeadlineRe.FindStringSubmatch(excerpt)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// deadlineOpen is true unless the deadline is a parseable date before today.
func (s *IBECSource) deadlineOpen(deadline string) bool {
	m := ibecDateRe.FindStringSubmatch(deadline)
	if m == nil {
		return true
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return true
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day {
		return true
	}
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return !date.Before(today)
}
