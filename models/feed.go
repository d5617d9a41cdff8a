// Package models defines the feed data structures returned to callers.
package models

import "strconv"

// ProductOffer is a single merchant offer from a YML catalog. ID is the
// identity key and is never empty in a parsed feed.
type ProductOffer struct {
	ID          string `csv:"id" json:"id"`
	Name        string `csv:"name" json:"name"`
	URL         string `csv:"url" json:"url"`
	Price       string `csv:"price" json:"price"`
	CurrencyID  string `csv:"currency_id" json:"currencyId"`
	CategoryID  string `csv:"category_id" json:"categoryId"`
	Picture     string `csv:"picture" json:"picture,omitempty"`
	Description string `csv:"description" json:"description,omitempty"`
	Vendor      string `csv:"vendor" json:"vendor,omitempty"`
	Available   bool   `csv:"available" json:"available"`
}

// ProductCategory is a flat catalog category. ParentID may point anywhere,
// including at itself; the tree is not validated.
type ProductCategory struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Name     string `json:"name"`
}

// Currency is a catalog currency with its declared rate, kept as text.
type Currency struct {
	ID   string `json:"id"`
	Rate string `json:"rate,omitempty"`
}

// ProductFeedData is a parsed YML catalog.
type ProductFeedData struct {
	ShopName   string            `json:"shopName"`
	Company    string            `json:"company"`
	URL        string            `json:"url"`
	Date       string            `json:"date"`
	Currencies []Currency        `json:"currencies"`
	Categories []ProductCategory `json:"categories"`
	Offers     []ProductOffer    `json:"offers"`
}

// RssItem is one syndication entry normalised from RSS or Atom.
type RssItem struct {
	Title       string `csv:"title" json:"title"`
	Link        string `csv:"link" json:"link"`
	Description string `csv:"description" json:"description"`
	PubDate     string `csv:"pub_date" json:"pubDate,omitempty"`
}

// RssFeedData is the merged result of a paginated syndication crawl.
type RssFeedData struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Items       []RssItem `json:"items"`
	Pages       int       `json:"pages"`
	StopReason  string    `json:"stopReason"`
}

// Key returns the offer identity used for de-duplication.
func (o ProductOffer) Key() string { return o.ID }

// CSVHeader returns the column names matching CSVRecord.
func (ProductOffer) CSVHeader() []string {
	return []string{"id", "name", "url", "price", "currency_id", "category_id", "picture", "description", "vendor", "available"}
}

// CSVRecord flattens the offer into a CSV row.
func (o ProductOffer) CSVRecord() []string {
	return []string{
		o.ID,
		o.Name,
		o.URL,
		o.Price,
		o.CurrencyID,
		o.CategoryID,
		o.Picture,
		o.Description,
		o.Vendor,
		strconv.FormatBool(o.Available),
	}
}

// Key returns the item identity used for de-duplication.
func (i RssItem) Key() string { return i.Link }

// CSVHeader returns the column names matching CSVRecord.
func (RssItem) CSVHeader() []string {
	return []string{"title", "link", "description", "pub_date"}
}

// CSVRecord flattens the item into a CSV row.
func (i RssItem) CSVRecord() []string {
	return []string{i.Title, i.Link, i.Description, i.PubDate}
}
