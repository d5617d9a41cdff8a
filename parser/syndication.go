package parser

import (
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/aluiziolira/go-feed-acquire/models"
)

// UntitledItem replaces missing feed and item titles.
const UntitledItem = "untitled"

// Page is one parsed page of an RSS or Atom feed.
type Page struct {
	Title       string
	Description string
	Items       []models.RssItem
	// Next is the raw href of the rel="next" link, unresolved.
	Next string
}

// ParsePage parses one feed page. Atom is recognised by a feed element and
// RSS by a channel element, whatever the declared content type. An empty
// page is not an error here; deciding that is up to the caller.
func ParsePage(text string) (*Page, error) {
	doc, err := parseTree(text, false)
	if err != nil {
		return nil, &StructuralError{Stage: "syndication", Err: err}
	}

	page := &Page{Next: nextLink(doc)}
	if feed := find(doc, "feed"); feed != nil {
		page.Title = firstNonEmpty(childText(feed, "title"), UntitledItem)
		page.Description = childText(feed, "subtitle")
		for _, e := range findAll(feed, "entry") {
			page.Items = append(page.Items, atomEntry(e))
		}
		return page, nil
	}

	channel := find(doc, "channel")
	if channel == nil {
		return nil, &StructuralError{Stage: "syndication", Missing: "channel"}
	}
	page.Title = firstNonEmpty(childText(channel, "title"), UntitledItem)
	page.Description = childText(channel, "description")
	// RSS 1.0 puts items next to the channel rather than inside it.
	for _, it := range findAll(doc, "item") {
		page.Items = append(page.Items, rssItem(it))
	}
	return page, nil
}

// nextLink scans every element whose local name contains "link" for
// rel="next", covering link, atom:link, atom10:link and similar.
func nextLink(doc *xmlquery.Node) string {
	var href string
	walk(doc, func(n *xmlquery.Node) bool {
		if !strings.Contains(strings.ToLower(n.Data), "link") {
			return true
		}
		if strings.TrimSpace(attr(n, "rel")) != "next" {
			return true
		}
		href = strings.TrimSpace(attr(n, "href"))
		return href == ""
	})
	return href
}

func atomEntry(e *xmlquery.Node) models.RssItem {
	links := children(e, "link")
	link := ""
	for _, l := range links {
		if rel := attr(l, "rel"); rel == "alternate" || rel == "" {
			link = attr(l, "href")
			break
		}
	}
	if link == "" && len(links) > 0 {
		link = attr(links[0], "href")
	}

	return models.RssItem{
		Title:       firstNonEmpty(childText(e, "title"), UntitledItem),
		Link:        strings.TrimSpace(link),
		Description: cleanDescription(firstNonEmpty(childText(e, "summary"), childText(e, "content"))),
		PubDate:     firstNonEmpty(childText(e, "published"), childText(e, "updated")),
	}
}

func rssItem(it *xmlquery.Node) models.RssItem {
	link := ""
	for _, l := range children(it, "link") {
		if text := strings.TrimSpace(l.InnerText()); text != "" {
			link = text
			break
		}
		if href := strings.TrimSpace(attr(l, "href")); href != "" && link == "" {
			link = href
		}
	}

	return models.RssItem{
		Title:       firstNonEmpty(childText(it, "title"), UntitledItem),
		Link:        link,
		Description: cleanDescription(firstNonEmpty(childText(it, "description"), childText(it, "encoded"))),
		PubDate:     firstNonEmpty(childText(it, "pubDate"), childText(it, "date")),
	}
}

func cleanDescription(s string) string {
	return TruncateDescription(StripMarkup(s))
}
