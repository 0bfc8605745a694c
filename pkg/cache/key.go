package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix prefixes every cache key in Redis.
const KeyPrefix = "github:etag"

// CacheKey identifies one cached GitHub page.
type CacheKey struct {
	// Host is the API host (api.github.com, or a GitHub Enterprise host)
	Host string

	// Endpoint is the request path (e.g., "/repos/octo/hello/issues")
	Endpoint string

	// QueryParams are the query parameters, including the page cursor
	QueryParams url.Values

	// Scope separates responses fetched with different credentials
	Scope string
}

// KeyForRequest builds the key for an outgoing request.
func KeyForRequest(req *http.Request, scope string) CacheKey {
	return CacheKey{
		Host:        req.URL.Host,
		Endpoint:    req.URL.Path,
		QueryParams: req.URL.Query(),
		Scope:       scope,
	}
}

// String generates a deterministic cache key string.
// Format: github:etag:host/endpoint:query1=val1:scope=abc
//
// Example:
//
//	github:etag:api.github.com/repos/octo/hello/issues:page=2:per_page=100
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if k.Host != "" {
		endpoint = k.Host + "/" + endpoint
	}
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			values := make([]string, 0, len(k.QueryParams[key]))
			for _, v := range k.QueryParams[key] {
				values = append(values, url.QueryEscape(v))
			}
			sort.Strings(values)
			parts = append(parts, url.QueryEscape(key)+"="+strings.Join(values, ","))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
