package ganko

import (
	"net/url"
	"strings"
)

// EndpointKey identifies a logical endpoint: method plus origin and path
// template. Query strings and concrete path variables are not part of the
// identity, so `GET /users/42` and `GET /users/97` share all per-endpoint
// statistics.
type EndpointKey struct {
	Method string
	URL    string
}

func (k EndpointKey) String() string {
	return k.Method + " " + k.URL
}

// MarshalText lets maps keyed by EndpointKey serialize to JSON.
func (k EndpointKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EndpointKey) UnmarshalText(text []byte) error {
	method, url, found := strings.Cut(string(text), " ")
	if !found {
		k.Method = string(text)
		return nil
	}

	k.Method = method
	k.URL = url

	return nil
}

// NormalizeEndpoint derives the stable key for a logical endpoint. The same
// endpoint always normalizes to the same key regardless of query strings,
// fragments, host casing or concrete path variable values.
func NormalizeEndpoint(method, rawURL string) EndpointKey {
	method = strings.ToUpper(strings.TrimSpace(method))

	u, err := url.Parse(rawURL)
	if err != nil {
		return EndpointKey{Method: method, URL: rawURL}
	}

	normalized := originOf(u) + normalizePath(u.Path)

	return EndpointKey{Method: method, URL: normalized}
}

// originOf returns scheme://host[:port] with the host lowercased.
func originOf(u *url.URL) string {
	if u.Host == "" {
		return ""
	}

	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Origin extracts the connection-pool origin from a raw URL.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	return originOf(u)
}

// normalizePath collapses path variables (numeric IDs, UUIDs, long hex
// tokens) into a placeholder so endpoint templates match.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}

	segments := strings.Split(p, "/")
	for i, s := range segments {
		if isPathVariable(s) {
			segments[i] = "{id}"
		}
	}

	return strings.Join(segments, "/")
}

func isPathVariable(s string) bool {
	if s == "" {
		return false
	}

	if isDigits(s) {
		return true
	}

	// UUID shape: 8-4-4-4-12 hex.
	if len(s) == 36 && strings.Count(s, "-") == 4 && isHex(strings.ReplaceAll(s, "-", "")) {
		return true
	}

	// Long hex tokens (hashes, opaque identifiers).
	if len(s) >= 16 && isHex(s) {
		return true
	}

	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}
