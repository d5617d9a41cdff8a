package fetcher

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-feed-acquire/config"
)

// cacheBustParam is the query parameter carrying the request timestamp.
const cacheBustParam = "_t"

// Strategy is one way of reaching a target: a URL template and the shape of
// the body the relay answers with.
type Strategy struct {
	Name     string
	Template string
	Shape    string
}

func strategiesFrom(relays []config.RelayConfig) []Strategy {
	out := make([]Strategy, 0, len(relays))
	for _, r := range relays {
		out = append(out, Strategy{Name: r.Name, Template: r.Template, Shape: r.Shape})
	}
	return out
}

// Wrap substitutes target into the strategy template.
func (s Strategy) Wrap(target string) string {
	wrapped := strings.ReplaceAll(s.Template, config.PlaceholderEscaped, url.QueryEscape(target))
	return strings.ReplaceAll(wrapped, config.PlaceholderRaw, target)
}

// Direct reports whether the strategy requests the target itself.
func (s Strategy) Direct() bool {
	return strings.TrimSpace(s.Template) == config.PlaceholderRaw
}

// CacheBust appends a millisecond timestamp parameter to target so relay
// caches cannot answer with a stale body.
func CacheBust(target string, now time.Time) string {
	frag := ""
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target, frag = target[:i], target[i:]
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + cacheBustParam + "=" + strconv.FormatInt(now.UnixMilli(), 10) + frag
}
