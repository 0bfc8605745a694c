package cache

import (
	"net/http"
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "endpoint only",
			key: CacheKey{
				Endpoint: "/repos/octo/hello/issues",
			},
			want: "github:etag:repos/octo/hello/issues",
		},
		{
			name: "with host",
			key: CacheKey{
				Host:     "api.github.com",
				Endpoint: "/repos/octo/hello/issues/",
			},
			want: "github:etag:api.github.com/repos/octo/hello/issues",
		},
		{
			name: "query params sorted",
			key: CacheKey{
				Endpoint: "/repos/octo/hello/issues",
				QueryParams: url.Values{
					"per_page": []string{"100"},
					"page":     []string{"2"},
					"state":    []string{"all"},
				},
			},
			want: "github:etag:repos/octo/hello/issues:page=2:per_page=100:state=all",
		},
		{
			name: "repeated query values",
			key: CacheKey{
				Endpoint:    "/search",
				QueryParams: url.Values{"label": []string{"bug", "api"}},
			},
			want: "github:etag:search:label=api,bug",
		},
		{
			name: "separators in values are escaped",
			key: CacheKey{
				Endpoint:    "/repos/octo/hello/issues",
				QueryParams: url.Values{"since": []string{"2024-01-01T00:00:00Z"}, "labels": []string{"a,b"}},
			},
			want: "github:etag:repos/octo/hello/issues:labels=a%2Cb:since=2024-01-01T00%3A00%3A00Z",
		},
		{
			name: "scoped",
			key: CacheKey{
				Endpoint: "/orgs/octo/repos",
				Scope:    "a1b2",
			},
			want: "github:etag:orgs/octo/repos:scope=a1b2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("CacheKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := CacheKey{Endpoint: "/x", QueryParams: url.Values{"b": {"2"}, "a": {"1"}}}
	b := CacheKey{Endpoint: "/x", QueryParams: url.Values{"a": {"1"}, "b": {"2"}}}

	for i := 0; i < 10; i++ {
		if a.String() != b.String() {
			t.Fatalf("keys differ: %q vs %q", a.String(), b.String())
		}
	}
}

func TestCacheKey_NoCollisions(t *testing.T) {
	tests := []struct {
		name string
		a, b url.Values
	}{
		{"comma in value", url.Values{"labels": {"a,b"}}, url.Values{"labels": {"a", "b"}}},
		{"colon in value", url.Values{"q": {"x:b=y"}}, url.Values{"q": {"x"}, "b": {"y"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := CacheKey{Endpoint: "/search", QueryParams: tt.a}
			b := CacheKey{Endpoint: "/search", QueryParams: tt.b}
			if a.String() == b.String() {
				t.Errorf("distinct queries share key %q", a.String())
			}
		})
	}
}

func TestKeyForRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/repos/octo/hello/events?per_page=100&page=3", nil)
	if err != nil {
		t.Fatal(err)
	}

	key := KeyForRequest(req, "")
	want := "github:etag:api.github.com/repos/octo/hello/events:page=3:per_page=100"
	if got := key.String(); got != want {
		t.Errorf("KeyForRequest() = %v, want %v", got, want)
	}
}
