// Package ai scores jobs against a résumé through OpenRouter chat completions.
package ai

import (
	"context"
	"strconv"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/pkg/httpclient"
)

// ErrNoAPIKey is returned when neither the individual nor the deployment has a key.
var ErrNoAPIKey = errors.New("ai: no api key")

const (
	maxResumeChars = 3000
	maxTokens      = 500
)

var reviewPrompt = template.Must(template.New("review").Parse(`You are a technical recruiter. Given the candidate's CV and a job, assess the relevance.

Candidate's CV:
{{.Resume}}

Job:
Title: {{.Title}}
Company: {{.Company}}
Location: {{.Location}}
Description: {{.Description}}

Answer EXACTLY in this format (no markdown):
Score: X/5
Verdict: RELEVANT or NOT RELEVANT
Reason: explanation in 1 sentence
Message: a short 2-3 sentence message the candidate could send to the recruiter for this role`))

// Assessment is what the model said about one job.
type Assessment struct {
	Score   int
	Verdict string
	Reason  string
	Message string
}

// Request carries the individual's credentials; empty fields fall back to
// the deployment defaults.
type Request struct {
	APIKey string
	Model  string
	Resume string
	Job    models.Job
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client talks to the OpenRouter chat completions endpoint.
type Client struct {
	http   *httpclient.HttpClient
	cfg    config.OpenRouterConfig
	logger *zap.Logger
}

func NewClient(client *httpclient.HttpClient, cfg config.OpenRouterConfig, logger *zap.Logger) *Client {
	return &Client{http: client, cfg: cfg, logger: logger}
}

// DefaultModel is the model used when the individual did not pick one.
func (c *Client) DefaultModel() string {
	return c.cfg.Model
}

// Review asks the model to assess req.Job against req.Resume.
func (c *Client) Review(ctx context.Context, req Request) (Assessment, error) {
	key := req.APIKey
	if key == "" {
		key = c.cfg.APIKey
	}
	if key == "" {
		return Assessment{}, ErrNoAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	prompt, err := buildPrompt(req.Resume, req.Job, c.cfg.MaxCharsPerJob)
	if err != nil {
		return Assessment{}, err
	}

	resp, err := c.http.PostJSON(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + key},
		chatRequest{
			Model:     model,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: maxTokens,
		})
	if err != nil {
		return Assessment{}, errors.Wrap(err, "openrouter request")
	}

	var out chatResponse
	if err := httpclient.ReadJSON(resp, &out); err != nil {
		return Assessment{}, errors.Wrap(err, "openrouter response")
	}
	if len(out.Choices) == 0 {
		return Assessment{}, errors.New("openrouter response has no choices")
	}

	assessment, ok := ParseAssessment(out.Choices[0].Message.Content)
	if !ok {
		c.logger.Warn("unparseable review", zap.String("job_id", req.Job.ID), zap.String("model", model))
		return Assessment{}, errors.New("openrouter reply is not in the review format")
	}
	return assessment, nil
}

func buildPrompt(resume string, job models.Job, maxChars int) (string, error) {
	var b strings.Builder
	err := reviewPrompt.Execute(&b, struct {
		Resume, Title, Company, Location, Description string
	}{
		Resume:      truncate(resume, maxResumeChars),
		Title:       job.Title,
		Company:     job.Company,
		Location:    job.Location,
		Description: truncate(job.Description, maxChars),
	})
	return b.String(), errors.Wrap(err, "render prompt")
}

// ParseAssessment reads the "Key: value" lines of a model reply. It reports
// false when the reply has neither a score nor a verdict.
func ParseAssessment(text string) (Assessment, bool) {
	var a Assessment
	var found bool
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "score":
			score, err := strconv.Atoi(strings.TrimSpace(strings.Split(value, "/")[0]))
			if err != nil {
				continue
			}
			a.Score = min(max(score, 0), 5)
			found = true
		case "verdict":
			a.Verdict = value
			found = true
		case "reason":
			a.Reason = value
		case "message":
			a.Message = value
		}
	}
	return a, found
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
