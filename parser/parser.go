// Package parser turns decoded XML text into feed models. Catalog parsing
// fails fast: a catalog is either returned whole or not at all.
package parser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-feed-acquire/models"
)

// DescriptionLimit is the maximum length, in characters, of an item description.
const DescriptionLimit = 300

const ellipsis = "..."

// ValidateOffer ensures an offer carries its identity and a display name.
func ValidateOffer(o *models.ProductOffer) error {
	if o == nil {
		return fmt.Errorf("offer is nil")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("offer missing id")
	}
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("offer missing name for %s", o.ID)
	}
	return nil
}

// ValidateItem ensures a syndication item has something to show.
func ValidateItem(i *models.RssItem) error {
	if i == nil {
		return fmt.Errorf("item is nil")
	}
	if strings.TrimSpace(i.Title) == "" && strings.TrimSpace(i.Link) == "" {
		return fmt.Errorf("item has neither title nor link")
	}
	return nil
}

// NormalizePrice trims spacing, including non-breaking spaces used as
// thousands separators. The value stays a decimal string.
func NormalizePrice(price string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t', '\n', '\r':
			return -1
		}
		return r
	}, price)
}

// CoerceAvailable maps a boolean or its textual form to a strict boolean.
// Anything other than true or a case-insensitive "true" is false.
func CoerceAvailable(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

// StripMarkup returns the visible text of an HTML fragment with runs of
// whitespace collapsed.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// TruncateDescription cuts s to DescriptionLimit characters and appends an
// ellipsis when anything was cut.
func TruncateDescription(s string) string {
	if utf8.RuneCountInString(s) <= DescriptionLimit {
		return s
	}
	i := 0
	for pos := range s {
		if i == DescriptionLimit {
			return s[:pos] + ellipsis
		}
		i++
	}
	return s
}
