package pagination

import (
	"net/http"
	"net/url"
	"strings"
)

// ParseLinkHeader parses RFC 8288 Link header values into a map from
// relation type to target URL. The first target of a relation wins.
func ParseLinkHeader(values []string) map[string]string {
	links := make(map[string]string)
	for _, v := range values {
		for _, link := range splitLinks(v) {
			target, params, ok := parseLink(link)
			if !ok {
				continue
			}
			for _, rel := range strings.Fields(params["rel"]) {
				rel = strings.ToLower(rel)
				if _, seen := links[rel]; !seen {
					links[rel] = target
				}
			}
		}
	}
	return links
}

// NextLink returns the rel="next" target of a response, resolved against
// base. ok is false on the last page.
func NextLink(h http.Header, base *url.URL) (next string, ok bool) {
	target, found := ParseLinkHeader(h.Values("Link"))["next"]
	if !found || target == "" {
		return "", false
	}
	if base == nil {
		return target, true
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// splitLinks splits a header value on commas outside <...> and quotes.
func splitLinks(v string) []string {
	var (
		parts   []string
		start   int
		inURI   bool
		inQuote bool
	)
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c == '<' && !inQuote:
			inURI = true
		case c == '>' && !inQuote:
			inURI = false
		case c == '"' && !inURI:
			inQuote = !inQuote
		case c == ',' && !inURI && !inQuote:
			parts = append(parts, v[start:i])
			start = i + 1
		}
	}
	return append(parts, v[start:])
}

// parseLink parses `<target>; key=value; key="value"`.
func parseLink(s string) (string, map[string]string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", nil, false
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", nil, false
	}
	target := strings.TrimSpace(s[1:end])

	params := make(map[string]string)
	for _, p := range strings.Split(s[end+1:], ";") {
		key, value, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		params[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return target, params, true
}
