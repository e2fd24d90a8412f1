package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://WWW.LinkedIn.com/jobs/view/123", "https://www.linkedin.com/jobs/view/123"},
		{"drops default port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps other port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drops fragment", "https://example.com/a#apply", "https://example.com/a"},
		{"strips trailing slash", "https://example.com/jobs/", "https://example.com/jobs"},
		{"collapses slashes", "https://example.com//jobs///42", "https://example.com/jobs/42"},
		{"removes tracking params", "https://example.com/a?utm_source=x&gclid=1&refId=abc&trk=p&id=7", "https://example.com/a?id=7"},
		{"sorts params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"root path", "https://example.com/", "https://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURL_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "mailto:jobs@example.com", "ftp://example.com/a", "/relative/path"} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, in)
	}
}

func TestJobID_StableAcrossTrackingVariants(t *testing.T) {
	a, err := NormalizeURL("https://example.com/jobs/1?utm_campaign=spring")
	require.NoError(t, err)
	b, err := NormalizeURL("https://EXAMPLE.com/jobs/1/")
	require.NoError(t, err)

	assert.Equal(t, JobID(a), JobID(b))
	assert.NotEqual(t, JobID(a), JobID("https://example.com/jobs/2"))
}
