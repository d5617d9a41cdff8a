package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL returns the visited-marker form of raw: lower-cased scheme
// and host, no fragment, and query parameters sorted by key. Two URLs that
// differ only in parameter order normalize identically.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}
