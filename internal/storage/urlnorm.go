package storage

import (
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"marijobs-go/internal/models"
)

// jobNamespace seeds the deterministic job IDs.
var jobNamespace = uuid.MustParse("6f1c3a52-6a1e-4c39-9f3e-2f9f7a0d5b11")

var trackingParams = map[string]bool{
	"gclid":      true,
	"fbclid":     true,
	"trk":        true,
	"trackingid": true,
	"refid":      true,
	"ref":        true,
	"src":        true,
	"from":       true,
	"mc_cid":     true,
	"mc_eid":     true,
	"_hsenc":     true,
	"_hsmi":      true,
}

// NormalizeURL canonicalizes a listing URL so that the same posting reached
// through different links maps to one key.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Newf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Newf("url %q has no host", raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	path := u.EscapedPath()
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimRight(path, "/")
	u.RawPath = ""
	if unescaped, err := url.PathUnescape(path); err == nil {
		u.Path = unescaped
		u.RawPath = path
	} else {
		u.Path = path
	}

	query := u.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || trackingParams[lower] {
			query.Del(key)
		}
	}
	u.RawQuery = encodeSorted(query)
	u.ForceQuery = false

	return u.String(), nil
}

// encodeSorted encodes the query with keys and repeated values in a stable order.
func encodeSorted(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

// JobID derives the stable identifier of a normalized URL.
func JobID(normalizedURL string) string {
	return uuid.NewSHA1(jobNamespace, []byte(normalizedURL)).String()
}

// prepareJob normalizes the URL, assigns the ID and cleans the fields both
// store implementations index on.
func prepareJob(job models.Job) (models.Job, error) {
	normalized, err := NormalizeURL(job.URL)
	if err != nil {
		return job, err
	}
	job.URL = normalized
	job.ID = JobID(normalized)
	job.Title = strings.TrimSpace(job.Title)
	job.Company = strings.TrimSpace(job.Company)
	job.Country = strings.ToLower(strings.TrimSpace(job.Country))
	job.SearchTerm = strings.TrimSpace(job.SearchTerm)
	return job, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
