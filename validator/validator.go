// Package validator triages retrieved text before it reaches an XML parser.
//
// The checks are heuristics over a short case-folded prefix. They catch the
// usual relay failure modes (error pages served with a 200 status, HTML
// landing pages, empty bodies) and leave structural validation to the parser.
package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind is the logical document kind a caller expects to receive.
type Kind int

const (
	// KindCatalog is a YML merchant catalog.
	KindCatalog Kind = iota
	// KindSyndication is an RSS or Atom feed page.
	KindSyndication
)

func (k Kind) String() string {
	switch k {
	case KindCatalog:
		return "catalog"
	case KindSyndication:
		return "syndication"
	default:
		return "unknown"
	}
}

// PrefixLength is the number of characters inspected by Check.
const PrefixLength = 300

// Rejection reasons.
const (
	ReasonEmpty     = "empty content"
	ReasonProxyPage = "proxy error page"
	ReasonHTMLPage  = "html page instead of feed"
)

var (
	rootMarkers    = []string{"<?xml", "<yml_catalog", "<rss", "<feed"}
	failureMarkers = []string{"access denied", "403 forbidden", "cloudflare", "error"}
	htmlMarkers    = []string{"<!doctype html", "<html"}

	expectedRoots = map[Kind][]string{
		KindCatalog:     {"<yml_catalog"},
		KindSyndication: {"<rss", "<feed"},
	}
)

// Verdict is the outcome of Check. Reason starts with one of the Reason
// constants; proxy page rejections append the marker that matched. Warning is
// set on accepted content whose prefix lacks the root expected for the kind.
type Verdict struct {
	Accepted bool
	Reason   string
	Warning  string
	Snippet  string
}

// Check classifies text as an acceptable feed body for kind.
func Check(text string, kind Kind) Verdict {
	trimmed := strings.TrimLeft(text, "\ufeff \t\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return Verdict{Reason: ReasonEmpty}
	}

	prefix := strings.ToLower(truncateRunes(trimmed, PrefixLength))
	snippet := truncateRunes(prefix, 50)
	hasRoot := containsAny(prefix, rootMarkers)

	if marker, ok := firstMatch(prefix, failureMarkers); ok && !hasRoot {
		return Verdict{Reason: ReasonProxyPage + ": " + marker, Snippet: snippet}
	}
	if hasAnyPrefix(prefix, htmlMarkers) && !hasRoot {
		return Verdict{Reason: ReasonHTMLPage, Snippet: snippet}
	}

	v := Verdict{Accepted: true, Snippet: snippet}
	if !containsAny(prefix, expectedRoots[kind]) {
		v.Warning = fmt.Sprintf("no %s root element in the first %d characters", kind, PrefixLength)
	}
	return v
}

func containsAny(s string, needles []string) bool {
	_, ok := firstMatch(s, needles)
	return ok
}

func firstMatch(s string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return n, true
		}
	}
	return "", false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
