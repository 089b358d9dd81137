package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/blog/*", "/blog/post-1", true},
		{"/blog/*", "/blog/2024/post-1", true},
		{"/blog/*", "/blog/", true},
		{"/blog/*", "/blog", false},
		{"/blog/*", "/shop/item-1", false},
		{"/", "/", true},
		{"/", "/about", false},
		{"*", "/anything/at/all", true},
		{"*.html", "/index.html", true},
		{"*.html", "/index.htm", false},
		{"/shop/*/reviews", "/shop/item-1/reviews", true},
		{"/shop/*/reviews", "/shop/item-1/details", false},
		{"/a*b*c", "/aXbYc", true},
		{"/a*b*c", "/abc", true},
		{"/a*b*c", "/acb", false},
		{"", "", true},
		{"", "/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, MatchPattern(tt.pattern, tt.path))
		})
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"/blog/*", "/news/*"}

	require.True(t, MatchAny(patterns, "/news/today"))
	require.False(t, MatchAny(patterns, "/shop/item"))
	require.False(t, MatchAny(nil, "/blog/post"))
}
