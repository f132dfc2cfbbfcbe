// Package extract turns listing pages into records with CSS selectors.
package extract

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// Selectors locates listing fields. Item scopes one listing; the field
// selectors are evaluated inside it. A selector may end in "@attr" to read
// an attribute instead of text (for example "a.site@href").
type Selectors struct {
	Item       string            `mapstructure:"item"`
	Name       string            `mapstructure:"name"`
	Address    string            `mapstructure:"address"`
	Phone      string            `mapstructure:"phone"`
	Website    string            `mapstructure:"website"`
	Next       string            `mapstructure:"next"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// DefaultSelectors match schema.org LocalBusiness microdata.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:    `[itemtype$="LocalBusiness"], .listing`,
		Name:    `[itemprop="name"], .listing-name`,
		Address: `[itemprop="address"], .listing-address`,
		Phone:   `[itemprop="telephone"], .listing-phone`,
		Website: `a[itemprop="url"]@href`,
		Next:    `a[rel="next"]@href`,
	}
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	sel    Selectors
	hasher crawler.Hasher
	now    func() time.Time
}

var _ crawler.Extractor = (*Extractor)(nil)

// New builds an Extractor.
func New(sel Selectors, hasher crawler.Hasher, clock crawler.Clock) (*Extractor, error) {
	if strings.TrimSpace(sel.Item) == "" || strings.TrimSpace(sel.Name) == "" {
		return nil, fmt.Errorf("extract.item and extract.name selectors are required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Extractor{sel: sel, hasher: hasher, now: now}, nil
}

// Extract parses one results page. Listings without a name are skipped. With
// a Next selector, pagination continues while a next link exists; without
// one it continues while the page yields records.
func (e *Extractor) Extract(target store.Target, page int, resp crawler.FetchResponse) (crawler.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("parse page %d: %w", page, err)
	}

	fetchedAt := e.now().UTC()
	var records []crawler.Record
	doc.Find(e.sel.Item).Each(func(_ int, item *goquery.Selection) {
		name := pick(item, e.sel.Name)
		if name == "" {
			return
		}
		rec := crawler.Record{
			TargetID:     target.ID,
			PartitionKey: target.PartitionKey,
			City:         target.City,
			Category:     target.Category,
			Name:         name,
			Address:      pick(item, e.sel.Address),
			Phone:        pick(item, e.sel.Phone),
			Website:      pick(item, e.sel.Website),
			SourceURL:    resp.URL,
			Page:         page,
			FetchedAt:    fetchedAt,
		}
		if rec.Website != "" {
			if abs, err := crawler.ResolveReference(resp.URL, rec.Website); err == nil {
				rec.Website = abs
			}
		}
		if len(e.sel.Attributes) > 0 {
			rec.Attributes = make(map[string]string, len(e.sel.Attributes))
			for _, key := range sortedKeys(e.sel.Attributes) {
				if v := pick(item, e.sel.Attributes[key]); v != "" {
					rec.Attributes[key] = v
				}
			}
		}
		rec.Key = e.hasher.Key(rec.PartitionKey, rec.City, rec.Category, rec.Name, rec.Address, rec.Phone)
		records = append(records, rec)
	})

	out := crawler.Page{Records: records}
	if e.sel.Next == "" {
		out.HasMore = len(records) > 0
		return out, nil
	}
	if next := pick(doc.Selection, e.sel.Next); next != "" {
		abs, err := crawler.ResolveReference(resp.URL, next)
		if err != nil {
			return crawler.Page{}, fmt.Errorf("resolve next link %q: %w", next, err)
		}
		out.NextURL = abs
		out.HasMore = true
	}
	return out, nil
}

// pick returns the trimmed text or attribute of the first match.
func pick(scope *goquery.Selection, selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ""
	}
	attr := ""
	if i := strings.LastIndex(selector, "@"); i > 0 {
		selector, attr = strings.TrimSpace(selector[:i]), selector[i+1:]
	}
	match := scope.Find(selector).First()
	if match.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := match.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(match.Text()), " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
