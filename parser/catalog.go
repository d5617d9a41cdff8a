package parser

import (
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/go-feed-acquire/models"
)

// Catalog defaults for fields a merchant left out.
const (
	DefaultCurrency = "RUB"
	DefaultPrice    = "0"
	UntitledOffer   = "untitled"
)

// now is the clock used for catalogs that carry no date.
var now = time.Now

// ParseCatalog parses a YML catalog. The yml_catalog root, its shop and the
// shop's offers element are required; offers without an id are dropped and
// repeated ids keep their first occurrence. A catalog without a single
// usable offer yields *EmptyError.
func ParseCatalog(text string) (*models.ProductFeedData, error) {
	doc, err := parseTree(text, true)
	if err != nil {
		return nil, &StructuralError{Stage: "catalog", Err: err}
	}

	root := child(doc, "yml_catalog")
	if root == nil {
		return nil, &StructuralError{Stage: "catalog", Missing: "yml_catalog"}
	}
	shop := child(root, "shop")
	if shop == nil {
		return nil, &StructuralError{Stage: "catalog", Missing: "shop"}
	}
	offersEl := child(shop, "offers")
	if offersEl == nil {
		return nil, &StructuralError{Stage: "catalog", Missing: "offers"}
	}

	feed := &models.ProductFeedData{
		ShopName: childText(shop, "name"),
		Company:  childText(shop, "company"),
		URL:      childText(shop, "url"),
		Date:     strings.TrimSpace(attr(root, "date")),
	}
	if feed.Date == "" {
		feed.Date = now().UTC().Format(time.RFC3339)
	}

	for _, c := range children(child(shop, "currencies"), "currency") {
		id := strings.TrimSpace(attr(c, "id"))
		if id == "" {
			continue
		}
		feed.Currencies = append(feed.Currencies, models.Currency{ID: id, Rate: strings.TrimSpace(attr(c, "rate"))})
	}
	if len(feed.Currencies) == 0 {
		feed.Currencies = []models.Currency{{ID: DefaultCurrency, Rate: "1"}}
	}

	for _, c := range children(child(shop, "categories"), "category") {
		feed.Categories = append(feed.Categories, models.ProductCategory{
			ID:       strings.TrimSpace(attr(c, "id")),
			ParentID: strings.TrimSpace(attr(c, "parentId")),
			Name:     strings.TrimSpace(c.InnerText()),
		})
	}

	seen := make(map[string]struct{})
	var missingID, duplicates int
	for _, o := range children(offersEl, "offer") {
		id := strings.TrimSpace(attr(o, "id"))
		if id == "" {
			missingID++
			continue
		}
		if _, dup := seen[id]; dup {
			duplicates++
			continue
		}
		seen[id] = struct{}{}

		feed.Offers = append(feed.Offers, models.ProductOffer{
			ID:          id,
			Name:        firstNonEmpty(childText(o, "name"), childText(o, "model"), UntitledOffer),
			URL:         childText(o, "url"),
			Price:       firstNonEmpty(NormalizePrice(childText(o, "price")), DefaultPrice),
			CurrencyID:  firstNonEmpty(childText(o, "currencyId"), DefaultCurrency),
			CategoryID:  childText(o, "categoryId"),
			Picture:     childText(o, "picture"),
			Description: childText(o, "description"),
			Vendor:      childText(o, "vendor"),
			Available:   CoerceAvailable(attr(o, "available")),
		})
	}

	if missingID > 0 || duplicates > 0 {
		slog.Warn("catalog offers dropped",
			slog.Int("missing_id", missingID),
			slog.Int("duplicate_id", duplicates),
			slog.Int("kept", len(feed.Offers)),
		)
	}
	if len(feed.Offers) == 0 {
		return nil, &EmptyError{What: "offers"}
	}
	return feed, nil
}
