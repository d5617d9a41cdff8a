package validator

import (
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		kind       Kind
		accepted   bool
		reason     string
		hasWarning bool
	}{
		{name: "empty", text: "", kind: KindCatalog, reason: ReasonEmpty},
		{name: "whitespace only", text: " \n\t ", kind: KindSyndication, reason: ReasonEmpty},
		{name: "bom only", text: "\ufeff\n", kind: KindCatalog, reason: ReasonEmpty},
		{
			name:   "forbidden html page",
			text:   "<html><body>403 Forbidden</body></html>",
			kind:   KindCatalog,
			reason: ReasonProxyPage + ": 403 forbidden",
		},
		{
			name:   "cloudflare challenge",
			text:   "<!DOCTYPE html><title>Just a moment... Cloudflare</title>",
			kind:   KindSyndication,
			reason: ReasonProxyPage + ": cloudflare",
		},
		{
			name:   "plain html landing page",
			text:   "<!DOCTYPE html><html><head><title>Shop</title></head></html>",
			kind:   KindCatalog,
			reason: ReasonHTMLPage,
		},
		{
			name:     "catalog with error word in content",
			text:     `<?xml version="1.0"?><yml_catalog><shop><name>Error Shop</name>`,
			kind:     KindCatalog,
			accepted: true,
		},
		{
			name:     "rss feed",
			text:     `<rss version="2.0"><channel><title>Blog</title>`,
			kind:     KindSyndication,
			accepted: true,
		},
		{
			name:     "atom feed with leading whitespace",
			text:     "\n\n   <feed xmlns=\"http://www.w3.org/2005/Atom\">",
			kind:     KindSyndication,
			accepted: true,
		},
		{
			name:       "xml without expected root",
			text:       `<?xml version="1.0"?><rss><channel/></rss>`,
			kind:       KindCatalog,
			accepted:   true,
			hasWarning: true,
		},
		{
			name:       "unknown text is accepted with a warning",
			text:       "id;name;price\n1;Brick;100",
			kind:       KindCatalog,
			accepted:   true,
			hasWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.text, tt.kind)
			if got.Accepted != tt.accepted {
				t.Fatalf("accepted=%v, want %v (reason %q)", got.Accepted, tt.accepted, got.Reason)
			}
			if got.Reason != tt.reason {
				t.Fatalf("reason=%q, want %q", got.Reason, tt.reason)
			}
			if (got.Warning != "") != tt.hasWarning {
				t.Fatalf("warning=%q, want warning=%v", got.Warning, tt.hasWarning)
			}
		})
	}
}

func TestCheckForbiddenPageReason(t *testing.T) {
	got := Check("<html><body>403 Forbidden</body></html>", KindCatalog)
	if got.Accepted {
		t.Fatalf("forbidden page should be rejected")
	}
	reason := strings.ToLower(got.Reason)
	if !strings.Contains(reason, "html") && !strings.Contains(reason, "forbidden") {
		t.Fatalf("reason %q should mention html or forbidden", got.Reason)
	}
}

func TestCheckOnlyInspectsPrefix(t *testing.T) {
	text := `<?xml version="1.0"?>` + strings.Repeat(" ", 400) + "access denied"
	if got := Check(text, KindCatalog); !got.Accepted {
		t.Fatalf("markers past the prefix should be ignored, got reason %q", got.Reason)
	}

	page := "<html>" + strings.Repeat("x", PrefixLength) + "<rss>"
	if got := Check(page, KindSyndication); got.Accepted || got.Reason != ReasonHTMLPage {
		t.Fatalf("root marker past the prefix should not rescue an html page, got %+v", got)
	}
}

func TestKindString(t *testing.T) {
	if KindCatalog.String() != "catalog" || KindSyndication.String() != "syndication" {
		t.Fatalf("unexpected kind names %q %q", KindCatalog, KindSyndication)
	}
}
